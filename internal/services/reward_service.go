package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/pilemarket/checkout/internal/domain"
)

const (
	defaultTriviaStartDelay      = 3 * time.Second
	defaultTriviaQuestionTimeout = 7 * time.Second
	defaultTriviaAnswerTimeout   = 10 * time.Second
)

// RoundPhase tracks the lifecycle of a trivia round.
type RoundPhase string

const (
	RoundPhaseStarting RoundPhase = "starting"
	RoundPhaseOpen     RoundPhase = "open"
	RoundPhaseResolved RoundPhase = "resolved"
)

// RewardOutcome is the result of a reward claim. A denied claim is an outcome, not an error.
type RewardOutcome struct {
	Granted  bool
	Reward   *Reward
	Message  string
	TimedOut bool
}

// RewardServiceDeps wires the reward oracle and trivia timings.
type RewardServiceDeps struct {
	Oracle          RewardOracle
	Disclaimers     DisclaimerStore
	StartDelay      time.Duration
	QuestionTimeout time.Duration
	AnswerTimeout   time.Duration
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// RewardService runs trivia rounds against the reward oracle.
type RewardService struct {
	oracle          RewardOracle
	disclaimers     DisclaimerStore
	startDelay      time.Duration
	questionTimeout time.Duration
	answerTimeout   time.Duration
	now             func() time.Time
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// NewRewardService validates dependencies and applies default timings.
func NewRewardService(deps RewardServiceDeps) (*RewardService, error) {
	if deps.Oracle == nil {
		return nil, errors.New("reward service: reward oracle is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	startDelay := deps.StartDelay
	if startDelay < 0 {
		startDelay = 0
	} else if startDelay == 0 {
		startDelay = defaultTriviaStartDelay
	}
	questionTimeout := deps.QuestionTimeout
	if questionTimeout <= 0 {
		questionTimeout = defaultTriviaQuestionTimeout
	}
	answerTimeout := deps.AnswerTimeout
	if answerTimeout <= 0 {
		answerTimeout = defaultTriviaAnswerTimeout
	}
	return &RewardService{
		oracle:          deps.Oracle,
		disclaimers:     deps.Disclaimers,
		startDelay:      startDelay,
		questionTimeout: questionTimeout,
		answerTimeout:   answerTimeout,
		now:             clock,
		logger:          logger,
	}, nil
}

// RewardRoundRequest starts a trivia round. OrderValueNonce is the subtotal when the game started; it
// is forwarded to the oracle and never used to compute a reward locally.
type RewardRoundRequest struct {
	UserID          string
	VendorID        string
	Fingerprint     string
	OrderValueNonce decimal.Decimal
	// OnResolved is invoked from the timer goroutine when an unanswered question times out.
	OnResolved func(RewardOutcome)
}

// TriviaRound is one question/answer exchange. It is safe for concurrent use.
type TriviaRound struct {
	svc        *RewardService
	vendorID   string
	nonce      decimal.Decimal
	question   TriviaQuestion
	disclaimer bool
	onResolved func(RewardOutcome)

	mu          sync.Mutex
	fingerprint string
	phase       RoundPhase
	outcome     *RewardOutcome
	startTimer  *Countdown
	answerTimer *Countdown

	done     chan struct{}
	doneOnce sync.Once
}

// RoundSnapshot is a point-in-time view of a round.
type RoundSnapshot struct {
	QuestionID     string
	Question       string
	Options        []string
	Phase          RoundPhase
	StartsIn       time.Duration
	Remaining      time.Duration
	ShowDisclaimer bool
	Outcome        *RewardOutcome
}

// StartRound fetches a question and starts the countdown to reveal it.
func (s *RewardService) StartRound(ctx context.Context, req RewardRoundRequest) (*TriviaRound, error) {
	vendorID := strings.TrimSpace(req.VendorID)
	if vendorID == "" || strings.TrimSpace(req.Fingerprint) == "" {
		return nil, newValidationError("vendorId", "cartHash")
	}

	question, err := s.oracle.FetchQuestion(ctx, domain.TriviaQuestionRequest{
		VendorID:   vendorID,
		OrderValue: req.OrderValueNonce,
		CartHash:   req.Fingerprint,
	})
	if err != nil {
		s.logger(ctx, "trivia.question_failed", map[string]any{
			"vendorId": vendorID,
			"error":    err.Error(),
		})
		return nil, &RemoteComputationError{Oracle: "reward", Err: err}
	}

	round := &TriviaRound{
		svc:         s,
		vendorID:    vendorID,
		nonce:       req.OrderValueNonce,
		question:    question,
		disclaimer:  s.consumeDisclaimer(ctx, req.UserID),
		onResolved:  req.OnResolved,
		fingerprint: req.Fingerprint,
		phase:       RoundPhaseStarting,
		done:        make(chan struct{}),
	}

	round.mu.Lock()
	if s.startDelay == 0 {
		round.openLocked()
	} else {
		round.startTimer = StartCountdown(CountdownConfig{
			Duration: s.startDelay,
			OnExpire: round.open,
			Clock:    s.now,
		})
	}
	round.mu.Unlock()

	s.logger(ctx, "trivia.round_started", map[string]any{
		"vendorId":   vendorID,
		"questionId": question.ID,
	})
	return round, nil
}

// Answer submits the shopper's answer with the current cart fingerprint and the original nonce, so the
// oracle can reject the claim when the cart changed since the round started.
func (s *RewardService) Answer(ctx context.Context, round *TriviaRound, answer, currentFingerprint string) (RewardOutcome, error) {
	if round == nil {
		return RewardOutcome{}, ErrTriviaNotActive
	}
	round.mu.Lock()
	switch round.phase {
	case RoundPhaseStarting:
		round.mu.Unlock()
		return RewardOutcome{}, ErrTriviaNotStarted
	case RoundPhaseResolved:
		timedOut := round.outcome != nil && round.outcome.TimedOut
		round.mu.Unlock()
		if timedOut {
			return RewardOutcome{}, ErrTriviaExpired
		}
		return RewardOutcome{}, ErrTriviaNotActive
	}
	if round.answerTimer != nil && round.answerTimer.Remaining() == 0 {
		round.mu.Unlock()
		return RewardOutcome{}, ErrTriviaExpired
	}
	round.phase = RoundPhaseResolved
	round.answerTimer.Stop()
	if fp := strings.TrimSpace(currentFingerprint); fp != "" {
		round.fingerprint = fp
	}
	fingerprint := round.fingerprint
	round.mu.Unlock()

	outcome, err := s.claimReward(ctx, round, &answer, fingerprint)
	if err != nil {
		round.resolve(RewardOutcome{Message: "reward unavailable"})
		return RewardOutcome{}, err
	}
	round.resolve(outcome)
	return outcome, nil
}

func (s *RewardService) claimReward(ctx context.Context, round *TriviaRound, answer *string, fingerprint string) (RewardOutcome, error) {
	result, err := s.oracle.SubmitAnswer(ctx, domain.TriviaAnswerRequest{
		VendorID:   round.vendorID,
		QuestionID: round.question.ID,
		Answer:     answer,
		OrderValue: round.nonce,
		CartHash:   fingerprint,
	})
	if err != nil {
		s.logger(ctx, "trivia.answer_failed", map[string]any{
			"vendorId":   round.vendorID,
			"questionId": round.question.ID,
			"error":      err.Error(),
		})
		return RewardOutcome{}, &RemoteComputationError{Oracle: "reward", Err: err}
	}
	if !result.Success || result.Reward == nil {
		return RewardOutcome{Granted: false, Message: result.Message, TimedOut: answer == nil}, nil
	}
	reward := *result.Reward
	return RewardOutcome{Granted: true, Reward: &reward, Message: result.Message}, nil
}

func (s *RewardService) consumeDisclaimer(ctx context.Context, userID string) bool {
	userID = strings.TrimSpace(userID)
	if s.disclaimers == nil || userID == "" {
		return false
	}
	shown, err := s.disclaimers.DisclaimerShown(ctx, userID)
	if err != nil {
		s.logger(ctx, "trivia.disclaimer_lookup_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
		return false
	}
	if shown {
		return false
	}
	if err := s.disclaimers.MarkDisclaimerShown(ctx, userID); err != nil {
		s.logger(ctx, "trivia.disclaimer_mark_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
	}
	return true
}

func (r *TriviaRound) open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != RoundPhaseStarting {
		return
	}
	r.openLocked()
}

func (r *TriviaRound) openLocked() {
	r.phase = RoundPhaseOpen
	r.answerTimer = StartCountdown(CountdownConfig{
		Duration: r.svc.questionTimeout,
		OnExpire: r.expire,
		Clock:    r.svc.now,
	})
}

// expire submits a null answer once the question timer elapses.
func (r *TriviaRound) expire() {
	r.mu.Lock()
	if r.phase != RoundPhaseOpen {
		r.mu.Unlock()
		return
	}
	r.phase = RoundPhaseResolved
	r.outcome = &RewardOutcome{TimedOut: true}
	fingerprint := r.fingerprint
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.svc.answerTimeout)
	defer cancel()
	outcome, err := r.svc.claimReward(ctx, r, nil, fingerprint)
	if err != nil {
		outcome = RewardOutcome{Message: "reward unavailable"}
	}
	outcome.TimedOut = true
	r.resolve(outcome)
	if r.onResolved != nil {
		r.onResolved(outcome)
	}
}

func (r *TriviaRound) resolve(outcome RewardOutcome) {
	r.mu.Lock()
	r.outcome = &outcome
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

// UpdateFingerprint records the latest cart fingerprint for a timed-out submission.
func (r *TriviaRound) UpdateFingerprint(fingerprint string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingerprint = fingerprint
}

// Cancel stops the round's timers. A round that has not been answered resolves as denied.
func (r *TriviaRound) Cancel() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.startTimer.Stop()
	r.answerTimer.Stop()
	pending := r.phase != RoundPhaseResolved
	if pending {
		r.phase = RoundPhaseResolved
		r.outcome = &RewardOutcome{Message: "round cancelled"}
	}
	r.mu.Unlock()
	if pending {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// Active reports whether the round still awaits an answer.
func (r *TriviaRound) Active() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase != RoundPhaseResolved
}

// Done is closed once the round has an outcome.
func (r *TriviaRound) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns the round's current view.
func (r *TriviaRound) Snapshot() RoundSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := RoundSnapshot{
		QuestionID:     r.question.ID,
		Question:       r.question.Text,
		Options:        append([]string(nil), r.question.Options...),
		Phase:          r.phase,
		ShowDisclaimer: r.disclaimer,
	}
	if r.phase == RoundPhaseStarting {
		snap.StartsIn = r.startTimer.Remaining()
	}
	if r.phase == RoundPhaseOpen {
		snap.Remaining = r.answerTimer.Remaining()
	}
	if r.outcome != nil {
		outcome := *r.outcome
		snap.Outcome = &outcome
	}
	return snap
}
