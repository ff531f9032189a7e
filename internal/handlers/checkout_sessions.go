package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pilemarket/checkout/internal/oracle"
	"github.com/pilemarket/checkout/internal/payments"
	"github.com/pilemarket/checkout/internal/platform/auth"
	"github.com/pilemarket/checkout/internal/platform/httpx"
	"github.com/pilemarket/checkout/internal/platform/requestctx"
	"github.com/pilemarket/checkout/internal/services"
)

// CheckoutSessionHandlers exposes the checkout session API.
type CheckoutSessionHandlers struct {
	authn       *auth.Authenticator
	sessions    services.CheckoutSessions
	idempotency func(http.Handler) http.Handler
}

// CheckoutSessionOption customises CheckoutSessionHandlers.
type CheckoutSessionOption func(*CheckoutSessionHandlers)

// WithIdempotency guards session creation and submission with mw.
func WithIdempotency(mw func(http.Handler) http.Handler) CheckoutSessionOption {
	return func(h *CheckoutSessionHandlers) { h.idempotency = mw }
}

// NewCheckoutSessionHandlers constructs handlers guarded by authn. A nil authenticator leaves routing
// to the caller's middleware.
func NewCheckoutSessionHandlers(authn *auth.Authenticator, sessions services.CheckoutSessions, opts ...CheckoutSessionOption) *CheckoutSessionHandlers {
	h := &CheckoutSessionHandlers{authn: authn, sessions: sessions}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the session endpoints.
func (h *CheckoutSessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/checkout/sessions", func(group chi.Router) {
		if h.authn != nil {
			group.Use(h.authn.Middleware)
		}
		h.guarded(group).Post("/", h.create)
		group.Route("/{sessionId}", func(s chi.Router) {
			s.Use(sessionContext)
			s.Get("/", h.get)
			s.Delete("/", h.abandon)
			s.Put("/cart", h.updateCart)
			s.Put("/user", h.updateUser)
			s.Post("/mode/stockpile", h.transition(services.CheckoutSessions.EnterStockpile))
			s.Post("/mode/deliver", h.transition(services.CheckoutSessions.ExitStockpile))
			s.Post("/mode/repile:continue", h.transition(services.CheckoutSessions.ContinueRepile))
			s.Post("/mode/repile:cancel", h.transition(services.CheckoutSessions.CancelRepile))
			s.Put("/delivery-mode", h.selectDeliveryMode)
			s.Put("/stockpile-weeks", h.selectWeeks)
			s.Put("/payment", h.selectPayment)
			s.Put("/notes", h.updateNotes)
			s.Post("/preview", h.transition(services.CheckoutSessions.RefreshPreview))
			s.Post("/trivia", h.transition(services.CheckoutSessions.StartTrivia))
			s.Post("/trivia/answer", h.answerTrivia)
			h.guarded(s).Post("/submit", h.submit)
		})
	})
}

func (h *CheckoutSessionHandlers) guarded(r chi.Router) chi.Router {
	if h.idempotency == nil {
		return r
	}
	return r.With(h.idempotency)
}

func sessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "sessionId"))
		ctx := requestctx.WithSessionID(r.Context(), id)
		ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("sessionId", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type cartItemRequest struct {
	ProductID    string          `json:"productId"`
	SubProductID *string         `json:"subProductId,omitempty"`
	Variant      *variantPayload `json:"variant,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
}

type variantPayload struct {
	Color string `json:"color,omitempty"`
	Size  string `json:"size,omitempty"`
}

type userInfoRequest struct {
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Phone   string   `json:"phone"`
	Address string   `json:"address"`
	State   string   `json:"state"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type createSessionRequest struct {
	VendorID     string            `json:"vendorId"`
	CartItems    []cartItemRequest `json:"cartItems"`
	UserInfo     userInfoRequest   `json:"userInfo"`
	DeliveryNote string            `json:"deliveryNote"`
	Note         string            `json:"note"`
}

type updateCartRequest struct {
	CartItems []cartItemRequest `json:"cartItems"`
}

type deliveryModeRequest struct {
	DeliveryMode string `json:"deliveryMode"`
}

type stockpileWeeksRequest struct {
	Weeks int `json:"weeks"`
}

type paymentRequest struct {
	Payment  string `json:"payment"`
	WalletID string `json:"walletId"`
}

type notesRequest struct {
	DeliveryNote string `json:"deliveryNote"`
	Note         string `json:"note"`
}

type triviaAnswerRequest struct {
	Answer string `json:"answer"`
}

type triviaAnswerResponse struct {
	Outcome rewardOutcomePayload `json:"outcome"`
	Session sessionPayload       `json:"session"`
}

func (h *CheckoutSessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user := toUserInfo(req.UserInfo)
	user.ID = userID
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		if user.Email == "" {
			user.Email = identity.Email
		}
		if user.Name == "" {
			user.Name = identity.Name
		}
		if user.Phone == "" {
			user.Phone = identity.Phone
		}
	}

	view, err := h.sessions.Create(ctx, services.CreateSessionInput{
		UserID:       userID,
		VendorID:     req.VendorID,
		Items:        toCartItems(req.CartItems),
		User:         user,
		DeliveryNote: req.DeliveryNote,
		Note:         req.Note,
	})
	if err != nil {
		writeSessionError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newSessionPayload(view))
}

func (h *CheckoutSessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	view, err := h.sessions.Get(r.Context(), sessionIDParam(r), userID)
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) abandon(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Abandon(r.Context(), sessionIDParam(r), userID); err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutSessionHandlers) updateCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req updateCartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.sessions.UpdateCart(r.Context(), sessionIDParam(r), userID, toCartItems(req.CartItems))
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req userInfoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user := toUserInfo(req)
	user.ID = userID
	view, err := h.sessions.UpdateUser(r.Context(), sessionIDParam(r), userID, user)
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) selectDeliveryMode(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req deliveryModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.sessions.SelectDeliveryMode(r.Context(), sessionIDParam(r), userID, services.DeliveryModeSelection(req.DeliveryMode))
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) selectWeeks(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req stockpileWeeksRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.sessions.SelectWeeks(r.Context(), sessionIDParam(r), userID, req.Weeks)
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) selectPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.sessions.SelectPayment(r.Context(), sessionIDParam(r), userID, services.PaymentSelection(req.Payment), req.WalletID)
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) updateNotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := h.sessions.UpdateNotes(r.Context(), sessionIDParam(r), userID, req.DeliveryNote, req.Note)
	respond(w, r, view, err)
}

func (h *CheckoutSessionHandlers) answerTrivia(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req triviaAnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, view, err := h.sessions.AnswerTrivia(ctx, sessionIDParam(r), userID, req.Answer)
	if err != nil {
		writeSessionError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, triviaAnswerResponse{
		Outcome: newRewardOutcomePayload(outcome),
		Session: newSessionPayload(view),
	})
}

// submit answers with the session view even when dispatch fails so the client can show the retained
// cart and the failure reason.
func (h *CheckoutSessionHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.begin(w, r)
	if !ok {
		return
	}
	view, err := h.sessions.Submit(ctx, sessionIDParam(r), userID)
	if err != nil {
		var session *sessionPayload
		if view.ID != "" {
			payload := newSessionPayload(view)
			session = &payload
		}
		writeSessionError(ctx, w, err, session)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newSessionPayload(view))
}

type sessionTransition func(svc services.CheckoutSessions, ctx context.Context, sessionID, userID string) (services.CheckoutSessionView, error)

func (h *CheckoutSessionHandlers) transition(fn sessionTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.begin(w, r)
		if !ok {
			return
		}
		view, err := fn(h.sessions, r.Context(), sessionIDParam(r), userID)
		respond(w, r, view, err)
	}
}

func (h *CheckoutSessionHandlers) begin(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func respond(w http.ResponseWriter, r *http.Request, view services.CheckoutSessionView, err error) {
	if err != nil {
		writeSessionError(r.Context(), w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newSessionPayload(view))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func sessionIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionId"))
}

func writeSessionError(ctx context.Context, w http.ResponseWriter, err error, session *sessionPayload) {
	apiErr := sessionError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("checkout request failed", zap.Error(err), zap.String("code", apiErr.Code))
	}
	if session != nil {
		details := map[string]any{"session": session}
		for k, v := range apiErr.Details {
			details[k] = v
		}
		apiErr = apiErr.WithDetails(details)
	}
	httpx.WriteError(ctx, w, apiErr)
}

func sessionError(err error) httpx.Error {
	var validation *services.ValidationError
	var remote *services.RemoteComputationError
	var region *services.InvalidRegionError
	var funds *payments.InsufficientFundsError
	var rejected *payments.RejectedError

	switch {
	case errors.As(err, &validation):
		return httpx.NewError("validation_failed", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"fields": validation.Fields})
	case errors.Is(err, services.ErrSessionNotFound):
		return httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSessionForbidden):
		return httpx.NewError("forbidden", "checkout session belongs to another user", http.StatusForbidden)
	case errors.Is(err, services.ErrVendorNotFound):
		return httpx.NewError("vendor_not_found", "vendor not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSessionClosed):
		return httpx.NewError("session_closed", "checkout session already completed", http.StatusConflict)
	case errors.Is(err, services.ErrStockpileDisabled):
		return httpx.NewError("stockpile_disabled", "vendor does not offer stockpiling", http.StatusConflict)
	case errors.Is(err, services.ErrPickupUnavailable):
		return httpx.NewError("pickup_unavailable", "vendor does not offer pickup", http.StatusConflict)
	case errors.Is(err, services.ErrDeliveryUnavailable):
		return httpx.NewError("delivery_unavailable", "vendor does not offer delivery", http.StatusConflict)
	case errors.Is(err, services.ErrInvalidTransition):
		return httpx.NewError("invalid_transition", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrTriviaDisabled):
		return httpx.NewError("trivia_disabled", "trivia rewards are not available", http.StatusConflict)
	case errors.Is(err, services.ErrTriviaNotActive):
		return httpx.NewError("trivia_not_active", "no trivia question is awaiting an answer", http.StatusConflict)
	case errors.Is(err, services.ErrTriviaNotStarted):
		return httpx.NewError("trivia_not_started", "trivia question not revealed yet", http.StatusConflict)
	case errors.Is(err, services.ErrTriviaExpired):
		return httpx.NewError("trivia_expired", "trivia question expired", http.StatusGone)
	case errors.As(err, &funds):
		return httpx.NewError("insufficient_funds", "wallet balance cannot cover this order", http.StatusPaymentRequired)
	case errors.As(err, &rejected):
		details := map[string]any{}
		if rejected.Code != "" {
			details["reason"] = rejected.Code
		}
		return httpx.NewError("order_rejected", err.Error(), http.StatusUnprocessableEntity).WithDetails(details)
	case errors.Is(err, payments.ErrWalletRequired):
		return httpx.NewError("validation_failed", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"fields": []string{"walletId"}})
	case errors.Is(err, payments.ErrUnsupportedPayment):
		return httpx.NewError("unsupported_payment", err.Error(), http.StatusBadRequest)
	case errors.As(err, &region):
		return httpx.NewError("invalid_region", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, oracle.ErrNotConfigured):
		return httpx.NewError("oracle_not_configured", "order placement is not configured", http.StatusServiceUnavailable)
	case errors.As(err, &remote):
		return httpx.NewError("oracle_unavailable", remote.Oracle+" service failed", http.StatusBadGateway)
	case errors.Is(err, services.ErrCheckoutUnavailable):
		return httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	default:
		return httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError)
	}
}

func toCartItems(items []cartItemRequest) []services.CartLineItem {
	out := make([]services.CartLineItem, 0, len(items))
	for _, item := range items {
		line := services.CartLineItem{
			ProductID:    item.ProductID,
			SubProductID: item.SubProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
		}
		if item.Variant != nil {
			line.Variant = &services.VariantAttributes{Color: item.Variant.Color, Size: item.Variant.Size}
		}
		out = append(out, line)
	}
	return out
}

func toUserInfo(req userInfoRequest) services.UserInfo {
	user := services.UserInfo{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Address: req.Address,
		State:   req.State,
	}
	if req.Lat != nil && req.Lng != nil {
		user.Location = &services.LatLng{Lat: *req.Lat, Lng: *req.Lng}
	}
	return user
}
