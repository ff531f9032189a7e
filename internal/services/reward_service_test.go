package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	domain "github.com/pilemarket/checkout/internal/domain"
)

func TestRewardServiceAnswerGrantsReward(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fetched domain.TriviaQuestionRequest
	var answered domain.TriviaAnswerRequest
	oracle := &stubRewardOracle{
		fetchFunc: func(_ context.Context, req domain.TriviaQuestionRequest) (TriviaQuestion, error) {
			fetched = req
			return TriviaQuestion{ID: "q-1", Text: "Capital of Nigeria?", Options: []string{"Lagos", "Abuja"}}, nil
		},
		answerFunc: func(_ context.Context, req domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
			answered = req
			return domain.TriviaAnswerResult{Success: true, Reward: &Reward{Type: RewardTypeFreeShipping}}, nil
		},
	}
	svc := newTestRewardService(t, RewardServiceDeps{Oracle: oracle, StartDelay: -1})

	nonce := decimal.NewFromInt(2000)
	round, err := svc.StartRound(context.Background(), RewardRoundRequest{
		VendorID:        "vendor-1",
		Fingerprint:     "fp-1",
		OrderValueNonce: nonce,
	})
	if err != nil {
		t.Fatalf("start round: %v", err)
	}
	if fetched.VendorID != "vendor-1" || fetched.CartHash != "fp-1" || !fetched.OrderValue.Equal(nonce) {
		t.Fatalf("unexpected question request %#v", fetched)
	}
	snap := round.Snapshot()
	if snap.Phase != RoundPhaseOpen || snap.QuestionID != "q-1" || len(snap.Options) != 2 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}

	outcome, err := svc.Answer(context.Background(), round, "Abuja", "fp-2")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !outcome.Granted || outcome.Reward == nil || outcome.Reward.Type != RewardTypeFreeShipping {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	if answered.Answer == nil || *answered.Answer != "Abuja" {
		t.Fatalf("expected answer to be forwarded, got %#v", answered.Answer)
	}
	if answered.CartHash != "fp-2" {
		t.Fatalf("expected current fingerprint, got %q", answered.CartHash)
	}
	if !answered.OrderValue.Equal(nonce) || answered.QuestionID != "q-1" {
		t.Fatalf("unexpected answer request %#v", answered)
	}

	select {
	case <-round.Done():
	default:
		t.Fatalf("expected round to be resolved")
	}
	if _, err := svc.Answer(context.Background(), round, "Lagos", "fp-2"); !errors.Is(err, ErrTriviaNotActive) {
		t.Fatalf("expected ErrTriviaNotActive on second answer, got %v", err)
	}
}

func TestRewardServiceRejectedClaimIsOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	oracle := &stubRewardOracle{
		answerFunc: func(context.Context, domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
			return domain.TriviaAnswerResult{Success: false, Message: "cart changed"}, nil
		},
	}
	svc := newTestRewardService(t, RewardServiceDeps{Oracle: oracle, StartDelay: -1})
	round := startTestRound(t, svc, RewardRoundRequest{VendorID: "vendor-1", Fingerprint: "fp-1"})

	outcome, err := svc.Answer(context.Background(), round, "Lagos", "fp-changed")
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if outcome.Granted || outcome.Reward != nil || outcome.Message != "cart changed" {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
}

func TestRewardServiceOracleFailureIsRemoteComputationError(t *testing.T) {
	defer goleak.VerifyNone(t)

	oracle := &stubRewardOracle{
		answerFunc: func(context.Context, domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
			return domain.TriviaAnswerResult{}, errors.New("connection reset")
		},
	}
	svc := newTestRewardService(t, RewardServiceDeps{Oracle: oracle, StartDelay: -1})
	round := startTestRound(t, svc, RewardRoundRequest{VendorID: "vendor-1", Fingerprint: "fp-1"})

	_, err := svc.Answer(context.Background(), round, "Lagos", "fp-1")
	var remote *RemoteComputationError
	if !errors.As(err, &remote) || remote.Oracle != "reward" {
		t.Fatalf("expected reward RemoteComputationError, got %v", err)
	}
	if snap := round.Snapshot(); snap.Outcome == nil || snap.Outcome.Granted {
		t.Fatalf("failed claim must resolve as denied, got %#v", snap.Outcome)
	}
}

func TestRewardServiceStartRoundFailure(t *testing.T) {
	oracle := &stubRewardOracle{
		fetchFunc: func(context.Context, domain.TriviaQuestionRequest) (TriviaQuestion, error) {
			return TriviaQuestion{}, errors.New("unavailable")
		},
	}
	svc := newTestRewardService(t, RewardServiceDeps{Oracle: oracle})
	_, err := svc.StartRound(context.Background(), RewardRoundRequest{VendorID: "vendor-1", Fingerprint: "fp-1"})
	var remote *RemoteComputationError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteComputationError, got %v", err)
	}

	_, err = svc.StartRound(context.Background(), RewardRoundRequest{VendorID: "vendor-1"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for missing fingerprint, got %v", err)
	}
}

func TestRewardServiceAnswerBeforeReveal(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newTestRewardService(t, RewardServiceDeps{Oracle: &stubRewardOracle{}, StartDelay: time.Hour})
	round := startTestRound(t, svc, RewardRoundRequest{VendorID: "vendor-1", Fingerprint: "fp-1"})

	if _, err := svc.Answer(context.Background(), round, "Lagos", "fp-1"); !errors.Is(err, ErrTriviaNotStarted) {
		t.Fatalf("expected ErrTriviaNotStarted, got %v", err)
	}
	if snap := round.Snapshot(); snap.Phase != RoundPhaseStarting || snap.StartsIn <= 0 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}

	round.Cancel()
	<-round.Done()
	<-round.startTimer.Done()
	if round.Active() {
		t.Fatalf("cancelled round must not be active")
	}
}

func TestRewardServiceRevealsAfterStartDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newTestRewardService(t, RewardServiceDeps{
		Oracle:          &stubRewardOracle{},
		StartDelay:      10 * time.Millisecond,
		QuestionTimeout: time.Hour,
	})
	round := startTestRound(t, svc, RewardRoundRequest{VendorID: "vendor-1", Fingerprint: "fp-1"})
	<-round.startTimer.Done()

	if snap := round.Snapshot(); snap.Phase != RoundPhaseOpen {
		t.Fatalf("expected open phase, got %s", snap.Phase)
	}
	round.Cancel()
	round.mu.Lock()
	answerTimer := round.answerTimer
	round.mu.Unlock()
	<-answerTimer.Done()
}

func TestRewardServiceTimeoutSubmitsNullAnswer(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var answered domain.TriviaAnswerRequest
	oracle := &stubRewardOracle{
		answerFunc: func(_ context.Context, req domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
			mu.Lock()
			answered = req
			mu.Unlock()
			return domain.TriviaAnswerResult{Success: false}, nil
		},
	}
	resolved := make(chan RewardOutcome, 1)
	svc := newTestRewardService(t, RewardServiceDeps{
		Oracle:          oracle,
		StartDelay:      -1,
		QuestionTimeout: 20 * time.Millisecond,
	})
	round := startTestRound(t, svc, RewardRoundRequest{
		VendorID:    "vendor-1",
		Fingerprint: "fp-1",
		OnResolved:  func(outcome RewardOutcome) { resolved <- outcome },
	})
	round.UpdateFingerprint("fp-latest")

	var outcome RewardOutcome
	select {
	case outcome = <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatalf("round did not time out")
	}
	if !outcome.TimedOut || outcome.Granted {
		t.Fatalf("unexpected outcome %#v", outcome)
	}

	mu.Lock()
	req := answered
	mu.Unlock()
	if req.Answer != nil {
		t.Fatalf("expected null answer, got %q", *req.Answer)
	}
	if req.CartHash != "fp-latest" {
		t.Fatalf("expected latest fingerprint, got %q", req.CartHash)
	}

	if _, err := svc.Answer(context.Background(), round, "Lagos", "fp-latest"); !errors.Is(err, ErrTriviaExpired) {
		t.Fatalf("expected ErrTriviaExpired, got %v", err)
	}
	round.mu.Lock()
	answerTimer := round.answerTimer
	round.mu.Unlock()
	<-answerTimer.Done()
}

func TestRewardServiceDisclaimerShownOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &stubDisclaimerStore{shown: map[string]bool{}}
	svc := newTestRewardService(t, RewardServiceDeps{Oracle: &stubRewardOracle{}, Disclaimers: store, StartDelay: -1})

	first := startTestRound(t, svc, RewardRoundRequest{UserID: "user-1", VendorID: "vendor-1", Fingerprint: "fp-1"})
	first.Cancel()
	second := startTestRound(t, svc, RewardRoundRequest{UserID: "user-1", VendorID: "vendor-1", Fingerprint: "fp-1"})
	second.Cancel()

	if !first.Snapshot().ShowDisclaimer {
		t.Fatalf("expected disclaimer on first round")
	}
	if second.Snapshot().ShowDisclaimer {
		t.Fatalf("expected disclaimer only once")
	}
	for _, round := range []*TriviaRound{first, second} {
		round.mu.Lock()
		timer := round.answerTimer
		round.mu.Unlock()
		<-timer.Done()
	}
}

func newTestRewardService(t *testing.T, deps RewardServiceDeps) *RewardService {
	t.Helper()
	svc, err := NewRewardService(deps)
	if err != nil {
		t.Fatalf("new reward service: %v", err)
	}
	return svc
}

func startTestRound(t *testing.T, svc *RewardService, req RewardRoundRequest) *TriviaRound {
	t.Helper()
	round, err := svc.StartRound(context.Background(), req)
	if err != nil {
		t.Fatalf("start round: %v", err)
	}
	return round
}

type stubRewardOracle struct {
	fetchFunc  func(context.Context, domain.TriviaQuestionRequest) (TriviaQuestion, error)
	answerFunc func(context.Context, domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error)
}

func (s *stubRewardOracle) FetchQuestion(ctx context.Context, req domain.TriviaQuestionRequest) (TriviaQuestion, error) {
	if s.fetchFunc != nil {
		return s.fetchFunc(ctx, req)
	}
	return TriviaQuestion{ID: "q-default", Text: "Pick one", Options: []string{"a", "b"}}, nil
}

func (s *stubRewardOracle) SubmitAnswer(ctx context.Context, req domain.TriviaAnswerRequest) (domain.TriviaAnswerResult, error) {
	if s.answerFunc != nil {
		return s.answerFunc(ctx, req)
	}
	return domain.TriviaAnswerResult{}, nil
}

type stubDisclaimerStore struct {
	mu    sync.Mutex
	shown map[string]bool
}

func (s *stubDisclaimerStore) DisclaimerShown(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown[userID], nil
}

func (s *stubDisclaimerStore) MarkDisclaimerShown(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown[userID] = true
	return nil
}
