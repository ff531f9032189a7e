package services

import (
	"fmt"

	domain "github.com/pilemarket/checkout/internal/domain"
)

const defaultMaxStockpileWeeks = 8

// CheckoutFlow is the tagged union of checkout flows. Each variant only carries the fields that are
// meaningful for it, so a stockpile duration can never coexist with a pickup selection.
type CheckoutFlow interface {
	Mode() CheckoutMode
	isCheckoutFlow()
}

// DeliverFlow is the default one-off order flow.
type DeliverFlow struct {
	Selection DeliveryModeSelection
}

// StockpileFlow starts a new stockpile; Weeks is zero until the shopper picks a duration.
type StockpileFlow struct {
	Weeks int
}

// RepileFlow adds items to an already open stockpile with the vendor.
type RepileFlow struct {
	Session      StockpileSession
	Acknowledged bool
}

func (DeliverFlow) Mode() CheckoutMode   { return domain.CheckoutModeDeliver }
func (StockpileFlow) Mode() CheckoutMode { return domain.CheckoutModeStockpile }
func (RepileFlow) Mode() CheckoutMode    { return domain.CheckoutModeRepile }

func (DeliverFlow) isCheckoutFlow()   {}
func (StockpileFlow) isCheckoutFlow() {}
func (RepileFlow) isCheckoutFlow()    {}

// TerminalState records how a checkout session ended.
type TerminalState string

const (
	TerminalNone           TerminalState = ""
	TerminalOrderSubmitted TerminalState = "order_submitted"
	TerminalLinkGenerated  TerminalState = "link_generated"
)

// Submit blockers reported by CheckoutState.Blockers.
const (
	BlockerPayment       = "payment"
	BlockerPending       = "submission_pending"
	BlockerStockpileWeek = "stockpile_weeks"
	BlockerDeliveryMode  = "delivery_mode"
	BlockerClosed        = "closed"
)

// CheckoutState is the checkout mode state machine. It is not safe for concurrent use; the owning
// session serialises access.
type CheckoutState struct {
	flow     CheckoutFlow
	payment  PaymentSelection
	awaiting bool
	terminal TerminalState
	maxWeeks int
}

// NewCheckoutState starts in the deliver flow with nothing selected.
func NewCheckoutState(maxWeeks int) *CheckoutState {
	if maxWeeks <= 0 {
		maxWeeks = defaultMaxStockpileWeeks
	}
	return &CheckoutState{flow: DeliverFlow{}, maxWeeks: maxWeeks}
}

// Flow returns the active flow variant.
func (s *CheckoutState) Flow() CheckoutFlow { return s.flow }

// Payment returns the chosen payment path.
func (s *CheckoutState) Payment() PaymentSelection { return s.payment }

// Awaiting reports whether a submission is in flight.
func (s *CheckoutState) Awaiting() bool { return s.awaiting }

// Terminal returns the terminal state, if any.
func (s *CheckoutState) Terminal() TerminalState { return s.terminal }

// SelectedWeeks returns the stockpile duration, or nil when unset or not stockpiling.
func (s *CheckoutState) SelectedWeeks() *int {
	if flow, ok := s.flow.(StockpileFlow); ok && flow.Weeks > 0 {
		weeks := flow.Weeks
		return &weeks
	}
	return nil
}

// IsPickup reports whether the order will be collected in person.
func (s *CheckoutState) IsPickup(capability VendorCapability) bool {
	flow, ok := s.flow.(DeliverFlow)
	if !ok {
		return false
	}
	if flow.Selection == domain.DeliveryModePickup {
		return true
	}
	return flow.Selection == domain.DeliveryModeUnset && capability == domain.VendorCapabilityPickup
}

// IsRepiling reports whether the session is adding to an open stockpile.
func (s *CheckoutState) IsRepiling() bool {
	_, ok := s.flow.(RepileFlow)
	return ok
}

// IsStockpile reports whether the session is in either stockpile flow.
func (s *CheckoutState) IsStockpile() bool {
	switch s.flow.(type) {
	case StockpileFlow, RepileFlow:
		return true
	default:
		return false
	}
}

// AlreadyStockpiled reports whether the "continue existing pile or cancel" choice is pending.
func (s *CheckoutState) AlreadyStockpiled() bool {
	flow, ok := s.flow.(RepileFlow)
	return ok && !flow.Acknowledged
}

// EnterStockpile moves from deliver to stockpile. An active stockpile session routes to the repile
// flow instead; the boolean result reports that case.
func (s *CheckoutState) EnterStockpile(vendor Vendor, active *StockpileSession) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	switch s.flow.(type) {
	case StockpileFlow:
		return false, nil
	case RepileFlow:
		return true, nil
	}
	if !vendor.StockpileEnabled {
		return false, ErrStockpileDisabled
	}
	if active != nil && active.IsActive {
		s.flow = RepileFlow{Session: *active}
		return true, nil
	}
	s.flow = StockpileFlow{}
	return false, nil
}

// ContinueRepile accepts the existing stockpile session.
func (s *CheckoutState) ContinueRepile() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	flow, ok := s.flow.(RepileFlow)
	if !ok {
		return fmt.Errorf("%w: not repiling", ErrInvalidTransition)
	}
	flow.Acknowledged = true
	s.flow = flow
	return nil
}

// CancelRepile declines the existing pile and returns to the deliver flow.
func (s *CheckoutState) CancelRepile() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.flow.(RepileFlow); !ok {
		return fmt.Errorf("%w: not repiling", ErrInvalidTransition)
	}
	s.flow = DeliverFlow{}
	return nil
}

// ExitStockpile returns to the deliver flow, dropping any selected duration.
func (s *CheckoutState) ExitStockpile() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.flow.(DeliverFlow); ok {
		return nil
	}
	s.flow = DeliverFlow{}
	return nil
}

// SelectDeliveryMode chooses pickup or delivery within the deliver flow. A rejected choice leaves the
// state untouched.
func (s *CheckoutState) SelectDeliveryMode(selection DeliveryModeSelection, capability VendorCapability) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	flow, ok := s.flow.(DeliverFlow)
	if !ok {
		return fmt.Errorf("%w: delivery mode only applies to the deliver flow", ErrInvalidTransition)
	}
	switch selection {
	case domain.DeliveryModePickup:
		if !capability.AllowsPickup() {
			return ErrPickupUnavailable
		}
	case domain.DeliveryModeDelivery:
		if !capability.AllowsDelivery() {
			return ErrDeliveryUnavailable
		}
	case domain.DeliveryModeUnset:
	default:
		return newValidationError("deliveryMode")
	}
	flow.Selection = selection
	s.flow = flow
	return nil
}

// SelectWeeks sets the stockpile duration.
func (s *CheckoutState) SelectWeeks(weeks int) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.flow.(StockpileFlow); !ok {
		return fmt.Errorf("%w: stockpile duration only applies to a new stockpile", ErrInvalidTransition)
	}
	if weeks < 1 || weeks > s.maxWeeks {
		return newValidationError("stockpileWeeks")
	}
	s.flow = StockpileFlow{Weeks: weeks}
	return nil
}

// SelectPayment records the payment path.
func (s *CheckoutState) SelectPayment(payment PaymentSelection) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if payment != domain.PaymentUnset && !payment.Valid() {
		return newValidationError("payment")
	}
	s.payment = payment
	return nil
}

// Blockers lists the reasons submission is currently disallowed.
func (s *CheckoutState) Blockers(capability VendorCapability) []string {
	var blockers []string
	if s.terminal != TerminalNone {
		blockers = append(blockers, BlockerClosed)
	}
	if !s.payment.Valid() {
		blockers = append(blockers, BlockerPayment)
	}
	if s.awaiting {
		blockers = append(blockers, BlockerPending)
	}
	switch flow := s.flow.(type) {
	case StockpileFlow:
		if flow.Weeks <= 0 {
			blockers = append(blockers, BlockerStockpileWeek)
		}
	case DeliverFlow:
		if capability == domain.VendorCapabilityDeliveryAndPickup && flow.Selection == domain.DeliveryModeUnset {
			blockers = append(blockers, BlockerDeliveryMode)
		}
	}
	return blockers
}

// CanSubmit is the sole gate for enabling the pay action.
func (s *CheckoutState) CanSubmit(capability VendorCapability) bool {
	return len(s.Blockers(capability)) == 0
}

// BeginSubmission marks a submission as in flight.
func (s *CheckoutState) BeginSubmission(capability VendorCapability) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if blockers := s.Blockers(capability); len(blockers) > 0 {
		return newValidationError(blockers...)
	}
	s.awaiting = true
	return nil
}

// FailSubmission clears the in-flight marker so the shopper may retry.
func (s *CheckoutState) FailSubmission() {
	s.awaiting = false
}

// CompleteSubmission moves the state machine into its terminal state.
func (s *CheckoutState) CompleteSubmission(outcome TerminalState) {
	s.awaiting = false
	s.terminal = outcome
	if outcome == TerminalOrderSubmitted {
		s.flow = DeliverFlow{}
	}
}

func (s *CheckoutState) ensureOpen() error {
	if s.terminal != TerminalNone {
		return ErrSessionClosed
	}
	if s.awaiting {
		return fmt.Errorf("%w: submission in progress", ErrInvalidTransition)
	}
	return nil
}
