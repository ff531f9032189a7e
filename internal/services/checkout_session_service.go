package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/pilemarket/checkout/internal/domain"
	"github.com/pilemarket/checkout/internal/payments"
	"github.com/pilemarket/checkout/internal/repositories"
)

const (
	defaultSessionTTL        = 30 * time.Minute
	defaultCleanupInterval   = time.Minute
	defaultBackgroundTimeout = 15 * time.Second
	maxNoteLength            = 500
	maxCartLines             = 200
	maxLineQuantity          = 999
)

// PaymentDispatcher submits a priced order down the selected payment path.
type PaymentDispatcher interface {
	Dispatch(ctx context.Context, selection PaymentSelection, order OrderRequest) (payments.DispatchResult, error)
}

// CheckoutSessionServiceDeps wires the collaborators of the checkout session service.
type CheckoutSessionServiceDeps struct {
	Pricing    PricingOracle
	Payments   PaymentDispatcher
	Rewards    *RewardService
	Vendors    VendorDirectory
	Stockpiles StockpileLookup
	Events     CheckoutEventPublisher

	MaxStockpileWeeks int
	DisableStockpile  bool
	SessionTTL        time.Duration

	IDGenerator func() string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// CheckoutSessionService owns in-memory checkout sessions and drives pricing, trivia and submission
// for each of them.
type CheckoutSessionService struct {
	pricing      PricingOracle
	payments     PaymentDispatcher
	rewards      *RewardService
	vendors      VendorDirectory
	stockpiles   StockpileLookup
	events       CheckoutEventPublisher
	maxWeeks     int
	stockpileOff bool
	ttl          time.Duration
	newID        func() string
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
	notes        *bluemonday.Policy

	mu       sync.RWMutex
	sessions map[string]*checkoutSession
}

var _ CheckoutSessions = (*CheckoutSessionService)(nil)

type checkoutSession struct {
	// Immutable after creation.
	id        string
	userID    string
	vendorID  string
	createdAt time.Time

	mu              sync.Mutex
	vendor          Vendor
	activeStockpile *StockpileSession
	cart            []CartLineItem
	fingerprint     string
	user            UserInfo
	deliveryNote    string
	note            string
	walletID        string
	state           *CheckoutState
	priced          PricedOrder
	reconciler      *PreviewReconciler
	pricingErr      error
	submitErr       error
	round           *TriviaRound
	startingRound   bool
	rewardClaimed   bool
	pendingReward   *Reward
	lastReward      *RewardOutcome
	dispatch        *payments.DispatchResult
	linkTimer       *Countdown
	closed          bool
	touchedAt       time.Time
}

// CreateSessionInput opens a checkout session for a cart.
type CreateSessionInput struct {
	UserID       string
	VendorID     string
	Items        []CartLineItem
	User         UserInfo
	DeliveryNote string
	Note         string
}

// TriviaView is the trivia part of a session snapshot.
type TriviaView struct {
	Enabled       bool
	RewardClaimed bool
	RewardPending bool
	Round         *RoundSnapshot
	LastOutcome   *RewardOutcome
}

// PaymentLinkView describes a generated share-to-pay link.
type PaymentLinkView struct {
	URL       string
	ExpiresAt *time.Time
	Remaining time.Duration
	Expired   bool
}

// CheckoutSessionView is a point-in-time snapshot of a session.
type CheckoutSessionView struct {
	ID                string
	UserID            string
	Vendor            Vendor
	Items             []CartLineItem
	Fingerprint       string
	User              UserInfo
	Mode              CheckoutMode
	DeliveryMode      DeliveryModeSelection
	IsPickup          bool
	StockpileWeeks    *int
	MaxStockpileWeeks int
	AlreadyStockpiled bool
	ActiveStockpile   *StockpileSession
	Payment           PaymentSelection
	WalletID          string
	DeliveryNote      string
	Note              string
	Priced            PricedOrder
	PreviewSequence   uint64
	PricingError      string
	SubmitError       string
	CanSubmit         bool
	Blockers          []string
	Awaiting          bool
	Terminal          TerminalState
	Dispatch          *payments.DispatchResult
	PaymentLink       *PaymentLinkView
	Trivia            TriviaView
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewCheckoutSessionService validates dependencies and applies defaults.
func NewCheckoutSessionService(deps CheckoutSessionServiceDeps) (*CheckoutSessionService, error) {
	if deps.Pricing == nil {
		return nil, errors.New("checkout session service: pricing oracle is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout session service: payment dispatcher is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("checkout session service: vendor directory is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	maxWeeks := deps.MaxStockpileWeeks
	if maxWeeks <= 0 {
		maxWeeks = defaultMaxStockpileWeeks
	}

	return &CheckoutSessionService{
		pricing:      deps.Pricing,
		payments:     deps.Payments,
		rewards:      deps.Rewards,
		vendors:      deps.Vendors,
		stockpiles:   deps.Stockpiles,
		events:       deps.Events,
		maxWeeks:     maxWeeks,
		stockpileOff: deps.DisableStockpile,
		ttl:          ttl,
		newID:        newID,
		now:          clock,
		logger:       logger,
		notes:        bluemonday.StrictPolicy(),
		sessions:     make(map[string]*checkoutSession),
	}, nil
}

// Create opens a new session, loads the vendor and any open stockpile, and requests the first preview.
func (s *CheckoutSessionService) Create(ctx context.Context, in CreateSessionInput) (CheckoutSessionView, error) {
	userID := strings.TrimSpace(in.UserID)
	vendorID := strings.TrimSpace(in.VendorID)

	var missing []string
	if userID == "" {
		missing = append(missing, "userId")
	}
	if vendorID == "" {
		missing = append(missing, "vendorId")
	}
	items, itemErr := normaliseCartItems(in.Items)
	if itemErr != nil {
		missing = append(missing, itemErr.Fields...)
	}
	if len(missing) > 0 {
		return CheckoutSessionView{}, newValidationError(missing...)
	}
	fingerprint, _ := Fingerprint(items)

	var (
		vendor Vendor
		active *StockpileSession
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.vendors.GetVendor(gctx, vendorID)
		if err != nil {
			return s.translateVendorError(err)
		}
		vendor = v
		return nil
	})
	if s.stockpiles != nil && !s.stockpileOff {
		g.Go(func() error {
			found, err := s.stockpiles.FindActiveStockpile(gctx, vendorID, userID)
			if err != nil {
				s.logger(gctx, "checkout.stockpile_lookup_failed", map[string]any{
					"vendorId": vendorID,
					"error":    err,
				})
				return nil
			}
			active = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CheckoutSessionView{}, err
	}
	if vendor.ID == "" {
		vendor.ID = vendorID
	}
	if s.stockpileOff {
		vendor.StockpileEnabled = false
	}

	user := in.User
	user.ID = userID
	now := s.now()
	sess := &checkoutSession{
		id:              s.newID(),
		userID:          userID,
		vendorID:        vendorID,
		createdAt:       now,
		vendor:          vendor,
		activeStockpile: active,
		cart:            items,
		fingerprint:     fingerprint,
		user:            normaliseUser(user),
		deliveryNote:    s.sanitiseNote(in.DeliveryNote),
		note:            s.sanitiseNote(in.Note),
		state:           NewCheckoutState(s.maxWeeks),
		reconciler:      NewPreviewReconciler(),
		touchedAt:       now,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger(ctx, "checkout.session_created", map[string]any{
		"sessionId": sess.id,
		"vendorId":  vendorID,
		"lines":     len(items),
		"cartHash":  fingerprint,
	})

	_ = s.refresh(ctx, sess)
	return s.view(sess), nil
}

// Get returns the current snapshot of a session owned by userID.
func (s *CheckoutSessionService) Get(_ context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}
	return s.view(sess), nil
}

// Abandon closes the session and stops its timers. An unfinished checkout is reported downstream.
func (s *CheckoutSessionService) Abandon(ctx context.Context, sessionID, userID string) error {
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	event, ok := s.closeSession(sess)
	if ok {
		s.publish(ctx, event)
	}
	s.logger(ctx, "checkout.session_abandoned", map[string]any{"sessionId": sess.id})
	return nil
}

// UpdateCart replaces the cart. Pricing is only refreshed when the fingerprint changes.
func (s *CheckoutSessionService) UpdateCart(ctx context.Context, sessionID, userID string, items []CartLineItem) (CheckoutSessionView, error) {
	normalised, verr := normaliseCartItems(items)
	if verr != nil {
		return CheckoutSessionView{}, verr
	}
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if err := sess.state.ensureOpen(); err != nil {
			return false, err
		}
		fingerprint, _ := Fingerprint(normalised)
		sess.cart = normalised
		if fingerprint == sess.fingerprint {
			return false, nil
		}
		sess.fingerprint = fingerprint
		sess.round.UpdateFingerprint(fingerprint)
		return true, nil
	})
}

// UpdateUser replaces the shopper details. Address, state and location changes reprice the order.
func (s *CheckoutSessionService) UpdateUser(ctx context.Context, sessionID, userID string, user UserInfo) (CheckoutSessionView, error) {
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if err := sess.state.ensureOpen(); err != nil {
			return false, err
		}
		user.ID = sess.userID
		next := normaliseUser(user)
		reprice := next.Address != sess.user.Address || next.State != sess.user.State || !sameLocation(next.Location, sess.user.Location)
		sess.user = next
		return reprice, nil
	})
}

// EnterStockpile switches to the stockpile flow, or to repile when the shopper already has an open
// pile with the vendor.
func (s *CheckoutSessionService) EnterStockpile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	if s.stockpileOff {
		return CheckoutSessionView{}, ErrStockpileDisabled
	}
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}

	var (
		active *StockpileSession
		looked bool
	)
	if s.stockpiles != nil {
		found, lookupErr := s.stockpiles.FindActiveStockpile(ctx, sess.vendorID, sess.userID)
		if lookupErr != nil {
			s.logger(ctx, "checkout.stockpile_lookup_failed", map[string]any{
				"sessionId": sess.id,
				"vendorId":  sess.vendorID,
				"error":     lookupErr,
			})
		} else {
			active, looked = found, true
		}
	}

	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if looked {
			sess.activeStockpile = active
		}
		before := sess.state.Flow().Mode()
		if _, err := sess.state.EnterStockpile(sess.vendor, sess.activeStockpile); err != nil {
			return false, err
		}
		return sess.state.Flow().Mode() != before, nil
	})
}

// ExitStockpile returns to the deliver flow.
func (s *CheckoutSessionService) ExitStockpile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		before := sess.state.Flow().Mode()
		if err := sess.state.ExitStockpile(); err != nil {
			return false, err
		}
		return sess.state.Flow().Mode() != before, nil
	})
}

// ContinueRepile accepts the shopper's open stockpile.
func (s *CheckoutSessionService) ContinueRepile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		return false, sess.state.ContinueRepile()
	})
}

// CancelRepile declines the open stockpile and goes back to the deliver flow.
func (s *CheckoutSessionService) CancelRepile(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if err := sess.state.CancelRepile(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// SelectDeliveryMode chooses pickup or delivery.
func (s *CheckoutSessionService) SelectDeliveryMode(ctx context.Context, sessionID, userID string, selection DeliveryModeSelection) (CheckoutSessionView, error) {
	selection = DeliveryModeSelection(strings.ToLower(strings.TrimSpace(string(selection))))
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		before := sess.state.IsPickup(sess.vendor.Capability)
		if err := sess.state.SelectDeliveryMode(selection, sess.vendor.Capability); err != nil {
			return false, err
		}
		return sess.state.IsPickup(sess.vendor.Capability) != before, nil
	})
}

// SelectWeeks sets the stockpile duration.
func (s *CheckoutSessionService) SelectWeeks(ctx context.Context, sessionID, userID string, weeks int) (CheckoutSessionView, error) {
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		before := sess.state.SelectedWeeks()
		if err := sess.state.SelectWeeks(weeks); err != nil {
			return false, err
		}
		return before == nil || *before != weeks, nil
	})
}

// SelectPayment records the payment path. Wallet payments need a wallet id.
func (s *CheckoutSessionService) SelectPayment(ctx context.Context, sessionID, userID string, payment PaymentSelection, walletID string) (CheckoutSessionView, error) {
	payment = PaymentSelection(strings.ToLower(strings.TrimSpace(string(payment))))
	walletID = strings.TrimSpace(walletID)
	if payment == domain.PaymentWallet && walletID == "" {
		return CheckoutSessionView{}, newValidationError("walletId")
	}
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if err := sess.state.SelectPayment(payment); err != nil {
			return false, err
		}
		if payment == domain.PaymentWallet {
			sess.walletID = walletID
		} else {
			sess.walletID = ""
		}
		sess.submitErr = nil
		return false, nil
	})
}

// UpdateNotes stores the delivery note and the order note as plain text.
func (s *CheckoutSessionService) UpdateNotes(ctx context.Context, sessionID, userID, deliveryNote, note string) (CheckoutSessionView, error) {
	deliveryNote = s.sanitiseNote(deliveryNote)
	note = s.sanitiseNote(note)
	return s.mutate(ctx, sessionID, userID, func(sess *checkoutSession) (bool, error) {
		if err := sess.state.ensureOpen(); err != nil {
			return false, err
		}
		sess.deliveryNote = deliveryNote
		sess.note = note
		return false, nil
	})
}

// RefreshPreview requests a new preview and reports an oracle failure to the caller. The previous
// priced order is kept on failure.
func (s *CheckoutSessionService) RefreshPreview(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return CheckoutSessionView{}, ErrSessionNotFound
	}
	if sess.state.Terminal() != TerminalNone {
		sess.mu.Unlock()
		return CheckoutSessionView{}, ErrSessionClosed
	}
	sess.touchedAt = s.now()
	sess.mu.Unlock()

	refreshErr := s.refresh(ctx, sess)
	return s.view(sess), refreshErr
}

// StartTrivia starts a trivia round for the current cart. Only one reward may be claimed per session.
func (s *CheckoutSessionService) StartTrivia(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	if s.rewards == nil {
		return CheckoutSessionView{}, ErrTriviaDisabled
	}
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return CheckoutSessionView{}, ErrSessionNotFound
	}
	if err := sess.state.ensureOpen(); err != nil {
		sess.mu.Unlock()
		return CheckoutSessionView{}, err
	}
	if sess.rewardClaimed || sess.pendingReward != nil {
		sess.mu.Unlock()
		return CheckoutSessionView{}, fmt.Errorf("%w: reward already claimed", ErrInvalidTransition)
	}
	if sess.startingRound || sess.round.Active() {
		sess.mu.Unlock()
		return CheckoutSessionView{}, fmt.Errorf("%w: trivia round in progress", ErrInvalidTransition)
	}
	sess.startingRound = true
	nonce := decimal.Zero
	if sess.priced.Subtotal.Valid {
		nonce = sess.priced.Subtotal.Decimal
	}
	req := RewardRoundRequest{
		UserID:          sess.userID,
		VendorID:        sess.vendorID,
		Fingerprint:     sess.fingerprint,
		OrderValueNonce: nonce,
		OnResolved: func(outcome RewardOutcome) {
			bg, cancel := context.WithTimeout(context.Background(), defaultBackgroundTimeout)
			defer cancel()
			s.recordOutcome(bg, sess, outcome)
		},
	}
	sess.mu.Unlock()

	round, err := s.rewards.StartRound(ctx, req)

	sess.mu.Lock()
	sess.startingRound = false
	if err != nil {
		sess.mu.Unlock()
		return CheckoutSessionView{}, err
	}
	if sess.closed || sess.state.Terminal() != TerminalNone {
		sess.mu.Unlock()
		round.Cancel()
		return CheckoutSessionView{}, ErrSessionClosed
	}
	sess.round = round
	sess.lastReward = nil
	sess.touchedAt = s.now()
	sess.mu.Unlock()

	return s.view(sess), nil
}

// AnswerTrivia submits the shopper's answer. A granted reward is merged into the priced order and the
// preview is refreshed; a denied claim is returned as an outcome.
func (s *CheckoutSessionService) AnswerTrivia(ctx context.Context, sessionID, userID, answer string) (RewardOutcome, CheckoutSessionView, error) {
	if s.rewards == nil {
		return RewardOutcome{}, CheckoutSessionView{}, ErrTriviaDisabled
	}
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return RewardOutcome{}, CheckoutSessionView{}, err
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return RewardOutcome{}, CheckoutSessionView{}, ErrSessionNotFound
	}
	round := sess.round
	fingerprint := sess.fingerprint
	sess.touchedAt = s.now()
	sess.mu.Unlock()
	if round == nil {
		return RewardOutcome{}, CheckoutSessionView{}, ErrTriviaNotActive
	}

	outcome, err := s.rewards.Answer(ctx, round, strings.TrimSpace(answer), fingerprint)
	if err != nil {
		return RewardOutcome{}, CheckoutSessionView{}, err
	}
	s.recordOutcome(ctx, sess, outcome)
	return outcome, s.view(sess), nil
}

// Submit dispatches the order down the selected payment path. A failure leaves the session open for a
// retry; success moves it to its terminal state and clears the cart.
func (s *CheckoutSessionService) Submit(ctx context.Context, sessionID, userID string) (CheckoutSessionView, error) {
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return CheckoutSessionView{}, ErrSessionNotFound
	}
	if err := sess.state.ensureOpen(); err != nil {
		sess.mu.Unlock()
		return CheckoutSessionView{}, err
	}
	if len(sess.cart) == 0 {
		sess.mu.Unlock()
		return CheckoutSessionView{}, newValidationError("cartItems")
	}
	if err := sess.state.BeginSubmission(sess.vendor.Capability); err != nil {
		sess.mu.Unlock()
		return CheckoutSessionView{}, err
	}
	selection := sess.state.Payment()
	order := sess.orderRequest(false)
	sess.submitErr = nil
	sess.touchedAt = s.now()
	sess.mu.Unlock()

	s.logger(ctx, "checkout.submit_started", map[string]any{
		"sessionId": sess.id,
		"payment":   string(selection),
		"mode":      string(modeOf(order)),
	})

	result, dispatchErr := s.payments.Dispatch(ctx, selection, order)

	sess.mu.Lock()
	if dispatchErr != nil {
		sess.state.FailSubmission()
		sess.submitErr = dispatchErr
		sess.mu.Unlock()
		s.logger(ctx, "checkout.submit_failed", map[string]any{
			"sessionId": sess.id,
			"payment":   string(selection),
			"error":     dispatchErr,
		})
		return s.view(sess), dispatchErr
	}

	terminal := TerminalOrderSubmitted
	kind := CheckoutEventOrderSubmitted
	if result.Outcome == payments.OutcomeLinkGenerated {
		terminal = TerminalLinkGenerated
		kind = CheckoutEventLinkGenerated
	}
	event := CheckoutEvent{
		SessionID:   sess.id,
		VendorID:    sess.vendorID,
		UserID:      sess.userID,
		Kind:        kind,
		Mode:        sess.state.Flow().Mode(),
		Payment:     selection,
		Fingerprint: sess.fingerprint,
		Total:       nullDecimalString(sess.priced.Total),
	}
	sess.state.CompleteSubmission(terminal)
	sess.dispatch = &result
	sess.cart = nil
	sess.round.Cancel()
	if terminal == TerminalLinkGenerated && result.ExpiresAt != nil {
		sessionID := sess.id
		sess.linkTimer = StartCountdown(CountdownConfig{
			Duration: result.ExpiresAt.Sub(s.now()),
			Clock:    s.now,
			OnExpire: func() {
				s.logger(context.Background(), "checkout.payment_link_expired", map[string]any{"sessionId": sessionID})
			},
		})
	}
	sess.mu.Unlock()

	s.logger(ctx, "checkout.submit_completed", map[string]any{
		"sessionId": sess.id,
		"payment":   string(selection),
		"outcome":   string(result.Outcome),
	})
	s.publish(ctx, event)
	return s.view(sess), nil
}

// Run evicts idle sessions until ctx is cancelled.
func (s *CheckoutSessionService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.EvictExpired(ctx)
		}
	}
}

// EvictExpired drops sessions idle for longer than the session TTL and returns how many were removed.
func (s *CheckoutSessionService) EvictExpired(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*checkoutSession
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.touchedAt.Before(cutoff) && !sess.state.Awaiting()
		sess.mu.Unlock()
		if idle {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		if event, ok := s.closeSession(sess); ok {
			s.publish(ctx, event)
		}
	}
	if len(expired) > 0 {
		s.logger(ctx, "checkout.sessions_evicted", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

// Close stops every session's timers. Sessions are dropped without publishing events.
func (s *CheckoutSessionService) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*checkoutSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		s.closeSession(sess)
	}
}

func (s *CheckoutSessionService) lookup(sessionID, userID string) (*checkoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.userID != strings.TrimSpace(userID) {
		return nil, ErrSessionForbidden
	}
	return sess, nil
}

// mutate runs fn under the session lock and refreshes the preview when fn reports a pricing change.
func (s *CheckoutSessionService) mutate(ctx context.Context, sessionID, userID string, fn func(*checkoutSession) (bool, error)) (CheckoutSessionView, error) {
	sess, err := s.lookup(sessionID, userID)
	if err != nil {
		return CheckoutSessionView{}, err
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return CheckoutSessionView{}, ErrSessionNotFound
	}
	reprice, err := fn(sess)
	sess.touchedAt = s.now()
	sess.mu.Unlock()
	if err != nil {
		return CheckoutSessionView{}, err
	}
	if reprice {
		_ = s.refresh(ctx, sess)
	}
	return s.view(sess), nil
}

// refresh requests a preview outside the session lock. Responses are merged in sequence order; an
// error is recorded only when no newer response has been applied since the request was issued.
func (s *CheckoutSessionService) refresh(ctx context.Context, sess *checkoutSession) error {
	sess.mu.Lock()
	if sess.closed || len(sess.cart) == 0 || sess.state.Terminal() != TerminalNone {
		sess.mu.Unlock()
		return nil
	}
	seq := sess.reconciler.Issue()
	req := sess.orderRequest(true)
	req.Sequence = seq
	mode := PreviewMode{
		IsPickup:   sess.state.IsPickup(sess.vendor.Capability),
		IsRepiling: sess.state.IsRepiling(),
	}
	sess.mu.Unlock()

	remote, err := s.pricing.Preview(ctx, req)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	if err != nil {
		remoteErr := &RemoteComputationError{Oracle: "pricing", Err: err}
		if seq >= sess.reconciler.LastApplied() {
			sess.pricingErr = remoteErr
		}
		s.logger(ctx, "checkout.preview_failed", map[string]any{
			"sessionId": sess.id,
			"sequence":  seq,
			"error":     err,
		})
		return remoteErr
	}
	priced, applied := sess.reconciler.Apply(ctx, seq, sess.priced, remote, mode)
	if !applied {
		s.logger(ctx, "checkout.preview_stale", map[string]any{
			"sessionId": sess.id,
			"sequence":  seq,
		})
		return nil
	}
	sess.priced = priced
	sess.pricingErr = nil
	if sess.pendingReward != nil && !rewardAwaitsSubtotal(sess.priced, *sess.pendingReward) {
		sess.priced = ApplyReward(sess.priced, *sess.pendingReward)
		sess.pendingReward = nil
		sess.rewardClaimed = true
		s.logger(ctx, "trivia.reward_applied", map[string]any{"sessionId": sess.id})
	}
	return nil
}

// recordOutcome stores a trivia outcome and applies a granted reward once per session.
func (s *CheckoutSessionService) recordOutcome(ctx context.Context, sess *checkoutSession, outcome RewardOutcome) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	stored := outcome
	sess.lastReward = &stored
	apply := outcome.Granted && outcome.Reward != nil && !sess.rewardClaimed && sess.pendingReward == nil &&
		sess.state.Terminal() == TerminalNone
	if apply {
		reward := *outcome.Reward
		if rewardAwaitsSubtotal(sess.priced, reward) {
			sess.pendingReward = &reward
		} else {
			sess.priced = ApplyReward(sess.priced, reward)
			sess.rewardClaimed = true
		}
	}
	sess.mu.Unlock()

	fields := map[string]any{
		"sessionId": sess.id,
		"granted":   outcome.Granted,
		"timedOut":  outcome.TimedOut,
	}
	if outcome.Reward != nil {
		fields["reward"] = string(outcome.Reward.Type)
	}
	s.logger(ctx, "trivia.round_resolved", fields)

	if apply {
		_ = s.refresh(ctx, sess)
	}
}

// closeSession marks the session closed and stops its timers. The event is only meaningful when the
// boolean is true.
func (s *CheckoutSessionService) closeSession(sess *checkoutSession) (CheckoutEvent, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return CheckoutEvent{}, false
	}
	sess.closed = true
	sess.round.Cancel()
	sess.linkTimer.Stop()
	if sess.state.Terminal() != TerminalNone {
		return CheckoutEvent{}, false
	}
	return CheckoutEvent{
		SessionID:   sess.id,
		VendorID:    sess.vendorID,
		UserID:      sess.userID,
		Kind:        CheckoutEventAbandoned,
		Mode:        sess.state.Flow().Mode(),
		Payment:     sess.state.Payment(),
		Fingerprint: sess.fingerprint,
		Total:       nullDecimalString(sess.priced.Total),
	}, true
}

func (s *CheckoutSessionService) publish(ctx context.Context, event CheckoutEvent) {
	if s.events == nil {
		return
	}
	id, err := s.events.PublishCheckoutEvent(ctx, event)
	if err != nil {
		s.logger(ctx, "checkout.event_publish_failed", map[string]any{
			"sessionId": event.SessionID,
			"kind":      event.Kind,
			"error":     err,
		})
		return
	}
	s.logger(ctx, "checkout.event_published", map[string]any{
		"sessionId": event.SessionID,
		"kind":      event.Kind,
		"messageId": id,
	})
}

func (s *CheckoutSessionService) translateVendorError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrVendorNotFound
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}

func (s *CheckoutSessionService) sanitiseNote(value string) string {
	cleaned := strings.TrimSpace(s.notes.Sanitize(value))
	if utf8.RuneCountInString(cleaned) > maxNoteLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxNoteLength])
	}
	return cleaned
}

func (s *CheckoutSessionService) view(sess *checkoutSession) CheckoutSessionView {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	capability := sess.vendor.Capability
	view := CheckoutSessionView{
		ID:                sess.id,
		UserID:            sess.userID,
		Vendor:            sess.vendor,
		Items:             append([]CartLineItem(nil), sess.cart...),
		Fingerprint:       sess.fingerprint,
		User:              sess.user,
		Mode:              sess.state.Flow().Mode(),
		IsPickup:          sess.state.IsPickup(capability),
		StockpileWeeks:    sess.state.SelectedWeeks(),
		MaxStockpileWeeks: s.maxWeeks,
		AlreadyStockpiled: sess.state.AlreadyStockpiled(),
		Payment:           sess.state.Payment(),
		WalletID:          sess.walletID,
		DeliveryNote:      sess.deliveryNote,
		Note:              sess.note,
		Priced:            sess.priced,
		PreviewSequence:   sess.reconciler.LastApplied(),
		Blockers:          sess.state.Blockers(capability),
		Awaiting:          sess.state.Awaiting(),
		Terminal:          sess.state.Terminal(),
		CreatedAt:         sess.createdAt,
		UpdatedAt:         sess.touchedAt,
		Trivia: TriviaView{
			Enabled:       s.rewards != nil,
			RewardClaimed: sess.rewardClaimed,
			RewardPending: sess.pendingReward != nil,
		},
	}
	view.CanSubmit = len(view.Blockers) == 0 && len(sess.cart) > 0
	if flow, ok := sess.state.Flow().(DeliverFlow); ok {
		view.DeliveryMode = flow.Selection
	}
	if flow, ok := sess.state.Flow().(RepileFlow); ok {
		active := flow.Session
		view.ActiveStockpile = &active
	}
	if sess.user.Location != nil {
		loc := *sess.user.Location
		view.User.Location = &loc
	}
	if sess.pricingErr != nil {
		view.PricingError = sess.pricingErr.Error()
	}
	if sess.submitErr != nil {
		view.SubmitError = sess.submitErr.Error()
	}
	if sess.dispatch != nil {
		result := *sess.dispatch
		view.Dispatch = &result
		if result.Outcome == payments.OutcomeLinkGenerated {
			view.PaymentLink = &PaymentLinkView{
				URL:       result.ShareURL,
				ExpiresAt: result.ExpiresAt,
				Remaining: sess.linkTimer.Remaining(),
				Expired:   sess.linkTimer.Expired(),
			}
		}
	}
	if sess.round != nil {
		snap := sess.round.Snapshot()
		view.Trivia.Round = &snap
	}
	if sess.lastReward != nil {
		outcome := *sess.lastReward
		view.Trivia.LastOutcome = &outcome
	}
	return view
}

// orderRequest builds the oracle payload from the session. Callers hold sess.mu.
func (sess *checkoutSession) orderRequest(preview bool) OrderRequest {
	capability := sess.vendor.Capability
	req := OrderRequest{
		VendorID:          sess.vendorID,
		CartItems:         append([]CartLineItem(nil), sess.cart...),
		CartHash:          sess.fingerprint,
		User:              sess.user,
		Preview:           preview,
		ShareOnly:         sess.state.Payment() == domain.PaymentShare,
		IsRepiling:        sess.state.IsRepiling(),
		IsStockpile:       sess.state.IsStockpile(),
		IsPickup:          sess.state.IsPickup(capability),
		StockpileDuration: sess.state.SelectedWeeks(),
		DeliveryNote:      sess.deliveryNote,
		Note:              sess.note,
		WalletID:          sess.walletID,
	}
	if sess.user.Location != nil {
		loc := *sess.user.Location
		req.User.Location = &loc
	}
	return req
}

func modeOf(order OrderRequest) CheckoutMode {
	switch {
	case order.IsRepiling:
		return domain.CheckoutModeRepile
	case order.IsStockpile:
		return domain.CheckoutModeStockpile
	default:
		return domain.CheckoutModeDeliver
	}
}

func normaliseCartItems(items []CartLineItem) ([]CartLineItem, *ValidationError) {
	if len(items) == 0 || len(items) > maxCartLines {
		return nil, newValidationError("cartItems")
	}
	out := make([]CartLineItem, 0, len(items))
	var invalid []string
	for i, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			invalid = append(invalid, fmt.Sprintf("cartItems[%d].productId", i))
		}
		if item.Quantity < 1 || item.Quantity > maxLineQuantity {
			invalid = append(invalid, fmt.Sprintf("cartItems[%d].quantity", i))
		}
		if item.UnitPrice.IsNegative() {
			invalid = append(invalid, fmt.Sprintf("cartItems[%d].unitPrice", i))
		}
		if item.SubProductID != nil {
			sub := strings.TrimSpace(*item.SubProductID)
			if sub == "" {
				item.SubProductID = nil
			} else {
				item.SubProductID = &sub
			}
		}
		if item.Variant != nil {
			variant := VariantAttributes{
				Color: strings.TrimSpace(item.Variant.Color),
				Size:  strings.TrimSpace(item.Variant.Size),
			}
			if variant.Color == "" && variant.Size == "" {
				item.Variant = nil
			} else {
				item.Variant = &variant
			}
		}
		out = append(out, item)
	}
	if len(invalid) > 0 {
		return nil, newValidationError(invalid...)
	}
	return out, nil
}

func normaliseUser(user UserInfo) UserInfo {
	user.ID = strings.TrimSpace(user.ID)
	user.Name = strings.TrimSpace(user.Name)
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Phone = strings.TrimSpace(user.Phone)
	user.Address = strings.TrimSpace(user.Address)
	user.State = strings.TrimSpace(user.State)
	if user.Location != nil {
		loc := *user.Location
		user.Location = &loc
	}
	return user
}

func sameLocation(a, b *LatLng) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Lat == b.Lat && a.Lng == b.Lng
}

func nullDecimalString(value decimal.NullDecimal) string {
	if !value.Valid {
		return ""
	}
	return value.Decimal.StringFixed(2)
}
