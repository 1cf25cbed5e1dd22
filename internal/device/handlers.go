package device

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/authflow"
	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/logging"
	"github.com/tapipay/tapicore/internal/money"
	"github.com/tapipay/tapicore/internal/pagination"
	"github.com/tapipay/tapicore/internal/realtime"
	"github.com/tapipay/tapicore/internal/validation"
)

// Streamer upgrades a request to an event stream. *realtime.Hub
// implements it.
type Streamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, sub realtime.Subscription)
}

// Handler provides HTTP endpoints for the device session.
type Handler struct {
	host     *Host
	audit    authflow.Store
	accounts accounts.Store
	streams  Streamer
}

// NewHandler creates a handler. audit, store and streams may be nil; the
// endpoints that need them then answer 404.
func NewHandler(host *Host, audit authflow.Store, store accounts.Store, streams Streamer) *Handler {
	return &Handler{host: host, audit: audit, accounts: store, streams: streams}
}

// RegisterRoutes sets up device routes. pinGuard runs before each PIN
// digit, typically a per-authorization rate limit.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, pinGuard ...gin.HandlerFunc) {
	r.POST("/authorizations", h.StartAuthorization)
	r.GET("/authorizations", h.ListAuthorizations)
	r.GET("/authorizations/:id", h.GetAuthorization)
	r.POST("/authorizations/:id/pin", append(pinGuard, h.SubmitPINDigit)...)
	r.POST("/authorizations/:id/skip-biometric", h.SkipBiometric)
	r.POST("/authorizations/:id/recapture", h.Recapture)
	r.POST("/authorizations/:id/cancel", h.CancelAuthorization)
	r.GET("/authorizations/:id/events", h.AuthorizationEvents)
	r.GET("/events", h.DeviceEvents)

	r.POST("/frames", h.PushFrame)
	r.POST("/behavior/keys", h.RecordKey)
	r.POST("/behavior/touches", h.RecordTouch)
	r.GET("/behavior/summary", h.BehaviorSummary)

	r.POST("/connectivity", h.SetConnectivity)
	r.GET("/ledger", h.GetLedger)
	r.GET("/account", h.GetAccount)
	r.POST("/session/logout", h.Logout)
}

// StartRequest opens a payment.
type StartRequest struct {
	Amount   string `json:"amount"`
	PayeeRef string `json:"payeeRef"`
}

// PINRequest carries one PIN digit.
type PINRequest struct {
	Digit string `json:"digit"`
}

// KeyRequest is one keyboard edge.
type KeyRequest struct {
	Key   string `json:"key"`
	Phase string `json:"phase"`
}

// TouchRequest is one touch edge.
type TouchRequest struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Phase    string  `json:"phase"`
	Pressure float64 `json:"pressure"`
}

// ConnectivityRequest reports the network state.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// FrameRequest carries one base64-encoded camera frame.
type FrameRequest struct {
	Frame []byte `json:"frame"`
}

// -----------------------------------------------------------------------------
// Authorizations
// -----------------------------------------------------------------------------

// StartAuthorization handles POST /v1/authorizations. With ?wait=true the
// response is held until the authorization needs a PIN or finishes.
func (h *Handler) StartAuthorization(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.PayeeRef = validation.SanitizeString(req.PayeeRef, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	amount, _ := money.Parse(req.Amount)
	snap, err := h.host.StartAuthorization(c.Request.Context(), amount, req.PayeeRef)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{
				"error":         "authorization_in_progress",
				"message":       err.Error(),
				"authorization": snap,
			})
			return
		}
		h.fail(c, err)
		return
	}

	status := http.StatusAccepted
	if wantWait(c) {
		m, err := h.host.Authorization(snap.ID)
		if err != nil {
			h.fail(c, err)
			return
		}
		snap, err = m.Await(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"authorization": snap})
}

// GetAuthorization handles GET /v1/authorizations/:id. Authorizations no
// longer held by the session are served from the audit trail.
func (h *Handler) GetAuthorization(c *gin.Context) {
	id := c.Param("id")
	if m, err := h.host.Authorization(id); err == nil {
		c.JSON(http.StatusOK, gin.H{"authorization": m.Snapshot()})
		return
	}
	if h.audit == nil {
		notFound(c, "Authorization not found")
		return
	}
	rec, err := h.audit.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// ListAuthorizations handles GET /v1/authorizations
func (h *Handler) ListAuthorizations(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusOK, gin.H{"records": []*authflow.Record{}, "count": 0, "has_more": false})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}
	limit := queryLimit(c)
	records, err := h.audit.ListByAccount(c.Request.Context(), h.host.AccountID(), cursor, limit+1)
	if err != nil {
		h.fail(c, err)
		return
	}
	records, next := pagination.Page(records, limit, func(r *authflow.Record) (time.Time, string) {
		return r.FinishedAt, r.ID
	})
	if records == nil {
		records = []*authflow.Record{}
	}
	resp := gin.H{
		"records":  records,
		"count":    len(records),
		"has_more": next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitPINDigit handles POST /v1/authorizations/:id/pin. The sixth digit
// blocks until verification and any finalize complete.
func (h *Handler) SubmitPINDigit(c *gin.Context) {
	var req PINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	h.act(c, func(ctx context.Context, m *authflow.Machine) (authflow.Snapshot, error) {
		return m.SubmitPINDigit(ctx, req.Digit)
	})
}

// SkipBiometric handles POST /v1/authorizations/:id/skip-biometric
func (h *Handler) SkipBiometric(c *gin.Context) {
	h.act(c, func(_ context.Context, m *authflow.Machine) (authflow.Snapshot, error) {
		return m.SkipBiometric()
	})
}

// Recapture handles POST /v1/authorizations/:id/recapture
func (h *Handler) Recapture(c *gin.Context) {
	h.act(c, func(_ context.Context, m *authflow.Machine) (authflow.Snapshot, error) {
		return m.Recapture()
	})
}

// CancelAuthorization handles POST /v1/authorizations/:id/cancel
func (h *Handler) CancelAuthorization(c *gin.Context) {
	h.act(c, func(ctx context.Context, m *authflow.Machine) (authflow.Snapshot, error) {
		return m.Cancel(ctx)
	})
}

// act runs op against the addressed machine, honoring ?wait=true.
func (h *Handler) act(c *gin.Context, op func(ctx context.Context, m *authflow.Machine) (authflow.Snapshot, error)) {
	m, err := h.host.Authorization(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	snap, err := op(ctx, m)
	if err != nil {
		h.fail(c, err)
		return
	}
	if wantWait(c) {
		if snap, err = m.Await(ctx); err != nil {
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"authorization": snap})
}

// AuthorizationEvents handles GET /v1/authorizations/:id/events
func (h *Handler) AuthorizationEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.host.Authorization(id); err != nil {
		h.fail(c, err)
		return
	}
	if h.streams == nil {
		notFound(c, "Event streaming disabled")
		return
	}
	h.streams.HandleWebSocket(c.Writer, c.Request, realtime.Subscription{
		EventTypes: []realtime.EventType{realtime.EventAuthorization},
		Subjects:   []string{id},
	})
}

// DeviceEvents handles GET /v1/events. ?types= narrows the stream to a
// comma-separated list of event types.
func (h *Handler) DeviceEvents(c *gin.Context) {
	if h.streams == nil {
		notFound(c, "Event streaming disabled")
		return
	}
	var sub realtime.Subscription
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			sub.EventTypes = append(sub.EventTypes, realtime.EventType(t))
		}
	}
	h.streams.HandleWebSocket(c.Writer, c.Request, sub)
}

// -----------------------------------------------------------------------------
// Capture surfaces
// -----------------------------------------------------------------------------

// PushFrame handles POST /v1/frames
func (h *Handler) PushFrame(c *gin.Context) {
	var req FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Frame) == 0 {
		invalidBody(c)
		return
	}
	if !h.host.PushFrame(req.Frame) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_capture_waiting",
			"message": "No biometric capture is waiting for a frame",
		})
		return
	}
	c.Status(http.StatusAccepted)
}

// RecordKey handles POST /v1/behavior/keys
func (h *Handler) RecordKey(c *gin.Context) {
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("key", req.Key),
		validation.MaxLength("key", req.Key, 32),
		validation.OneOf("phase", req.Phase, string(behavior.KeyDown), string(behavior.KeyUp)),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	h.host.RecordKey(req.Key, behavior.KeyPhase(req.Phase))
	c.Status(http.StatusNoContent)
}

// RecordTouch handles POST /v1/behavior/touches
func (h *Handler) RecordTouch(c *gin.Context) {
	var req TouchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.OneOf("phase", req.Phase, string(behavior.TouchStart), string(behavior.TouchEnd)),
		validation.Range("pressure", req.Pressure, 0, 1),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	h.host.RecordTouch(req.X, req.Y, behavior.TouchPhase(req.Phase), req.Pressure)
	c.Status(http.StatusNoContent)
}

// BehaviorSummary handles GET /v1/behavior/summary
func (h *Handler) BehaviorSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"summary": h.host.BehaviorSummary()})
}

// -----------------------------------------------------------------------------
// Connectivity, ledger and session
// -----------------------------------------------------------------------------

// SetConnectivity handles POST /v1/connectivity
func (h *Handler) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		invalidBody(c)
		return
	}
	if err := h.host.OnConnectivityChanged(c.Request.Context(), *req.Online); err != nil {
		logging.L(c.Request.Context()).Error("connectivity transition failed", "online", *req.Online, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "connectivity_transition_failed",
			"message": err.Error(),
			"online":  h.host.Online(),
			"ledger":  h.host.LedgerView(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"online": h.host.Online(),
		"ledger": h.host.LedgerView(),
	})
}

// GetLedger handles GET /v1/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	resp := gin.H{
		"online": h.host.Online(),
		"ledger": h.host.LedgerView(),
	}
	if cred, ok := h.host.Credential(); ok {
		resp["credentialExpiresAt"] = cred.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// GetAccount handles GET /v1/account
func (h *Handler) GetAccount(c *gin.Context) {
	if h.accounts == nil {
		notFound(c, "Account system unavailable")
		return
	}
	ctx := c.Request.Context()
	acct, err := h.accounts.GetBalance(ctx, h.host.AccountID())
	if err != nil {
		h.fail(c, err)
		return
	}
	history, err := h.accounts.History(ctx, h.host.AccountID(), queryLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": acct,
		"history": history,
	})
}

// Logout handles POST /v1/session/logout
func (h *Handler) Logout(c *gin.Context) {
	if err := h.host.Logout(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authflow.ErrNotFound):
		notFound(c, "Authorization not found")
	case errors.Is(err, accounts.ErrAccountNotFound):
		notFound(c, "Account not found")
	case errors.Is(err, authflow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, authflow.ErrInvalidDigit), errors.Is(err, authflow.ErrInvalidIntent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout", "message": "Request ended before the authorization settled"})
	default:
		logging.L(c.Request.Context()).Error("device request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msg})
}

func wantWait(c *gin.Context) bool {
	v, _ := strconv.ParseBool(c.Query("wait"))
	return v
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}
