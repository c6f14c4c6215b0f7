// Package gateway is the data-plane request pipeline: resolve the tenant,
// admit through the rate limiter, and dispatch to the upstream.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/anthrogate/internal/httpserver"
	"github.com/kestrelhq/anthrogate/internal/resolver"
)

// authFailedMessage is the single response body for every authentication
// failure kind, so clients cannot distinguish unknown from revoked or
// expired credentials.
const authFailedMessage = "invalid or missing credentials"

// tenantResolver resolves the Authorization header to a tenant context.
type tenantResolver interface {
	Resolve(ctx context.Context, authorization string) (resolver.TenantContext, error)
}

// admissionController decides whether one request is admitted for a tenant.
type admissionController interface {
	TryConsume(tenantID string, rpmLimit, burstCapacity int) bool
}

// forwarder dispatches the request body upstream and relays the response.
type forwarder interface {
	Forward(ctx context.Context, body []byte, stream bool, w http.ResponseWriter) (int, error)
}

// Handler serves the data-plane route.
type Handler struct {
	logger       *slog.Logger
	resolver     tenantResolver
	limiter      admissionController
	client       forwarder
	maxBodyBytes int64
	timeout      time.Duration
}

// NewHandler creates the data-plane Handler. timeout bounds the whole
// request including the upstream exchange; zero disables it.
func NewHandler(logger *slog.Logger, res tenantResolver, limiter admissionController, client forwarder, maxBodyBytes int64, timeout time.Duration) *Handler {
	return &Handler{
		logger:       logger,
		resolver:     res,
		limiter:      limiter,
		client:       client,
		maxBodyBytes: maxBodyBytes,
		timeout:      timeout,
	}
}

// Routes returns the data-plane router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/messages", h.handleMessages)
	return r
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	requestID := httpserver.RequestIDFromContext(ctx)
	logger := h.logger.With("request_id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds the configured limit")
			logger.Warn("request body too large", "limit", h.maxBodyBytes)
			logger.Info("request complete", "tenant_id", "", "stream", false, "status", http.StatusRequestEntityTooLarge)
			return
		}
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		logger.Info("request complete", "tenant_id", "", "stream", false, "status", http.StatusBadRequest)
		return
	}

	stream, err := detectStream(body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		logger.Warn("rejecting malformed request body")
		logger.Info("request complete", "tenant_id", "", "stream", false, "status", http.StatusBadRequest)
		return
	}

	tc, err := h.resolver.Resolve(ctx, r.Header.Get("Authorization"))
	if err != nil {
		status := h.respondAuthFailure(w, logger, err)
		logger.Info("request complete", "tenant_id", "", "stream", stream, "status", status)
		return
	}
	logger = logger.With("tenant_id", tc.TenantID)

	if !h.limiter.TryConsume(tc.TenantID, tc.Policy.RPMLimit, tc.Policy.BurstCapacity()) {
		httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
		logger.Info("request complete", "stream", stream, "status", http.StatusTooManyRequests)
		return
	}

	status, err := h.client.Forward(ctx, body, stream, w)
	if err != nil {
		if status == 0 {
			// Nothing was written yet; the failure is still mappable.
			status = h.respondUpstreamFailure(ctx, w, err)
		} else {
			// Headers are out: the response aborts with no further bytes.
			logger.Error("relay aborted mid-response", "error", err, "status", status)
		}
	}

	logger.Info("request complete", "stream", stream, "status", status)
}

// respondAuthFailure maps a resolution failure to HTTP. Every classified
// reason is a 401 with the same body (credential-enumeration resistance);
// infrastructure errors during resolution surface as 502.
func (h *Handler) respondAuthFailure(w http.ResponseWriter, logger *slog.Logger, err error) int {
	var failure *resolver.Failure
	if errors.As(err, &failure) {
		logger.Info("authentication failed", "reason", failure.Reason.String())
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", authFailedMessage)
		return http.StatusUnauthorized
	}

	logger.Error("credential resolution failed", "error", err)
	httpserver.RespondError(w, http.StatusBadGateway, "upstream_error", "temporarily unable to process the request")
	return http.StatusBadGateway
}

// respondUpstreamFailure maps a pre-headers dispatch failure: a deadline
// becomes 504, everything else 502.
func (h *Handler) respondUpstreamFailure(ctx context.Context, w http.ResponseWriter, err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		httpserver.RespondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
		return http.StatusGatewayTimeout
	}
	httpserver.RespondError(w, http.StatusBadGateway, "upstream_error", "failed to reach the upstream service")
	return http.StatusBadGateway
}
