package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kestrelhq/anthrogate/internal/audit"
	"github.com/kestrelhq/anthrogate/internal/cache"
	"github.com/kestrelhq/anthrogate/internal/crypto"
	"github.com/kestrelhq/anthrogate/internal/httpserver"
	"github.com/kestrelhq/anthrogate/internal/store"
	"github.com/kestrelhq/anthrogate/internal/upstreampool"
)

// Handler serves the admin surface.
type Handler struct {
	logger  *slog.Logger
	store   *store.Store
	cache   *cache.Cache
	pool    *upstreampool.Pool
	keyring *crypto.Keyring
	audit   *audit.Writer
}

// NewHandler creates the admin Handler.
func NewHandler(logger *slog.Logger, st *store.Store, c *cache.Cache, pool *upstreampool.Pool, keyring *crypto.Keyring, auditWriter *audit.Writer) *Handler {
	return &Handler{
		logger:  logger,
		store:   st,
		cache:   c,
		pool:    pool,
		keyring: keyring,
		audit:   auditWriter,
	}
}

// Routes returns the admin router. Callers wrap it with RequireAdmin.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/tenants", h.handleCreateTenant)
	r.Get("/tenants/{id}", h.handleGetTenant)
	r.Post("/tenants/{id}/credentials", h.handleCreateCredential)
	r.Get("/tenants/{id}/credentials", h.handleListCredentials)
	r.Delete("/credentials/{keyID}", h.handleRevokeCredential)
	r.Put("/tenants/{id}/quota", h.handleUpdateQuota)
	r.Post("/upstream/keys", h.handleCreateUpstreamKey)
	r.Post("/upstream/refresh", h.handleRefreshUpstream)
	r.Get("/upstream/status", h.handleUpstreamStatus)
	return r
}

func (h *Handler) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if !store.IsValidTenantID(req.TenantID) {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "tenant_id must be 3-64 characters of [A-Za-z0-9_-]")
		return
	}

	tenant, err := h.store.CreateTenant(r.Context(), store.CreateTenantParams{
		TenantID: req.TenantID,
		Name:     req.Name,
		Plan:     req.Plan,
	})
	if err != nil {
		h.logger.Error("creating tenant", "error", err, "tenant_id", req.TenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant")
		return
	}

	h.logAudit(r, "create", "tenant", tenant.TenantID, map[string]string{"plan": tenant.Plan})
	httpserver.Respond(w, http.StatusCreated, tenantResponse(tenant))
}

func (h *Handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	tenant, err := h.store.FindTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		h.logger.Error("fetching tenant", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch tenant")
		return
	}

	httpserver.Respond(w, http.StatusOK, tenantResponse(tenant))
}

func (h *Handler) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	var req CreateCredentialRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.store.FindTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		h.logger.Error("fetching tenant", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch tenant")
		return
	}

	gen, err := crypto.GenerateClientCredential()
	if err != nil {
		h.logger.Error("generating credential", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to generate credential")
		return
	}

	var expiresAt pgtype.Timestamptz
	if req.ExpiresAt != nil {
		expiresAt = pgtype.Timestamptz{Time: *req.ExpiresAt, Valid: true}
	}

	cred, err := h.store.CreateCredential(r.Context(), store.CreateCredentialParams{
		TenantID:  tenantID,
		UserID:    req.UserID,
		KeyPrefix: gen.Prefix,
		KeyHash:   gen.Hash,
		Scopes:    ensureSlice(req.Scopes),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		h.logger.Error("creating credential", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create credential")
		return
	}

	h.logAudit(r, "create", "api_key", cred.KeyID.String(), map[string]string{"tenant_id": tenantID})

	// The plaintext appears in this response and nowhere else.
	httpserver.Respond(w, http.StatusCreated, CreateCredentialResponse{
		CredentialResponse: credentialResponse(cred),
		Credential:         gen.Plaintext,
	})
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var after *store.CredentialCursor
	if params.After != nil {
		after = &store.CredentialCursor{CreatedAt: params.After.CreatedAt, KeyID: params.After.ID}
	}

	// Fetch one extra row to detect whether more pages exist.
	items, err := h.store.ListCredentials(r.Context(), tenantID, after, params.Limit+1)
	if err != nil {
		h.logger.Error("listing credentials", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list credentials")
		return
	}

	page := httpserver.NewCursorPage(items, params.Limit, func(c store.ClientCredential) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: c.CreatedAt, ID: c.KeyID}
	})

	resp := make([]CredentialResponse, 0, len(page.Items))
	for i := range page.Items {
		resp = append(resp, credentialResponse(page.Items[i]))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"credentials": resp,
		"count":       len(resp),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

func (h *Handler) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid credential ID")
		return
	}

	cred, err := h.store.RevokeCredential(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "credential not found")
			return
		}
		h.logger.Error("revoking credential", "error", err, "key_id", keyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to revoke credential")
		return
	}

	// Evict before responding so the next data-plane request re-reads the
	// store instead of the stale cache entry.
	if err := h.cache.DeleteCredentialInfo(r.Context(), cred.KeyHash); err != nil {
		h.logger.Warn("cache invalidation after revoke failed; entry expires by TTL", "key_id", keyID)
	}

	h.logAudit(r, "revoke", "api_key", keyID.String(), map[string]string{"tenant_id": cred.TenantID})
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	var req UpdateQuotaRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.store.FindTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		h.logger.Error("fetching tenant", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch tenant")
		return
	}

	policy, err := h.store.UpsertQuotaPolicy(r.Context(), store.QuotaPolicy{
		TenantID:        tenantID,
		RPMLimit:        req.RPMLimit,
		TPMLimit:        req.TPMLimit,
		MonthlyTokenCap: req.MonthlyTokenCap,
		BurstMultiplier: req.BurstMultiplier,
	})
	if err != nil {
		h.logger.Error("updating quota policy", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update quota policy")
		return
	}

	if err := h.cache.DeleteQuotaPolicy(r.Context(), tenantID); err != nil {
		h.logger.Warn("cache invalidation after quota update failed; entry expires by TTL", "tenant_id", tenantID)
	}

	h.logAudit(r, "update", "quota_policy", tenantID, map[string]string{})
	httpserver.Respond(w, http.StatusOK, quotaResponse(policy))
}

func (h *Handler) handleCreateUpstreamKey(w http.ResponseWriter, r *http.Request) {
	var req CreateUpstreamKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = "anthropic"
	}

	rec, err := h.keyring.Encrypt([]byte(req.APIKey), []byte("upstream:"+provider))
	if err != nil {
		h.logger.Error("encrypting upstream key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to encrypt upstream key")
		return
	}

	created, err := h.store.CreateUpstreamCredential(r.Context(), store.CreateUpstreamCredentialParams{
		Provider:   provider,
		KeyVersion: rec.KeyVersion,
		IV:         rec.IV,
		Ciphertext: rec.Ciphertext,
		Tag:        rec.Tag,
		AAD:        rec.AAD,
	})
	if err != nil {
		h.logger.Error("storing upstream key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store upstream key")
		return
	}

	if err := h.pool.Refresh(r.Context()); err != nil {
		h.logger.Error("refreshing pool after upstream key creation", "error", err)
	}

	h.logAudit(r, "create", "upstream_key", created.UpstreamKeyID.String(), map[string]string{"provider": provider})
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"upstream_key_id": created.UpstreamKeyID,
		"provider":        created.Provider,
		"key_version":     created.KeyVersion,
	})
}

func (h *Handler) handleRefreshUpstream(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Refresh(r.Context()); err != nil {
		h.logger.Error("refreshing upstream pool", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to refresh upstream pool")
		return
	}

	h.logAudit(r, "refresh", "upstream_pool", "pool", map[string]string{})
	httpserver.Respond(w, http.StatusOK, UpstreamStatusResponse{PoolSize: h.pool.Size()})
}

func (h *Handler) handleUpstreamStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, UpstreamStatusResponse{PoolSize: h.pool.Size()})
}

func (h *Handler) logAudit(r *http.Request, action, targetType, targetID string, detail map[string]string) {
	if h.audit == nil {
		return
	}
	var detailJSON json.RawMessage
	if len(detail) > 0 {
		detailJSON, _ = json.Marshal(detail)
	}
	h.audit.LogFromRequest(r, actorFromContext(r.Context()), action, targetType, targetID, detailJSON)
}
