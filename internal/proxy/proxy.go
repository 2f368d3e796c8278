// Package proxy is the externally-facing request router: it
// authenticates tenant traffic, applies quotas, makes sure the target
// tenant is running, and forwards the request to its container.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apifoundry/gateway/internal/auth"
	"github.com/apifoundry/gateway/internal/metrics"
	"github.com/apifoundry/gateway/internal/models"
	"github.com/apifoundry/gateway/internal/ratelimit"
	"github.com/gorilla/mux"
)

// MetadataStore is the slice of the external record store the router
// consults per request.
type MetadataStore interface {
	GetAPIBySecret(ctx context.Context, id, apiKey string) (*models.API, error)
	GetAccountPlan(ctx context.Context, accountID string) (*models.AccountPlan, error)
	LogUsage(ctx context.Context, entry *models.UsageLog) error
}

type Limiter interface {
	Check(ctx context.Context, accountID, plan string, override *int) (bool, ratelimit.Info)
	Increment(ctx context.Context, accountID string)
}

type Deployer interface {
	Deploy(ctx context.Context, tenantID, code, requirements string) (int, error)
	IsDeployed(ctx context.Context, tenantID string) bool
	Port(tenantID string) (int, bool)
}

type Handler struct {
	store       MetadataStore
	limiter     Limiter
	deployer    Deployer
	client      *http.Client
	environment string
	logger      *slog.Logger
}

func NewHandler(store MetadataStore, limiter Limiter, deployer Deployer, upstreamTimeout time.Duration, environment string, logger *slog.Logger) *Handler {
	return &Handler{
		store:       store,
		limiter:     limiter,
		deployer:    deployer,
		client:      &http.Client{Timeout: upstreamTimeout},
		environment: environment,
		logger:      logger,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	router.HandleFunc("/run/{id}", h.ServeHTTP).Methods(methods...)
	router.HandleFunc("/run/{id}/{path:.*}", h.ServeHTTP).Methods(methods...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ServeHTTP runs the per-request protocol in strict order: auth, rate
// limit, status check, deploy-ensure, forward, usage log. No step is
// skipped or reordered.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	apiID := vars["id"]
	subpath := vars["path"]
	requestID := metrics.RequestID(r)

	apiKey, ok := auth.BearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Missing API key. Include 'Authorization: Bearer YOUR_API_KEY' header",
		})
		return
	}

	// Unknown tenant and wrong key produce the same body on purpose,
	// so callers cannot probe which IDs exist.
	api, err := h.store.GetAPIBySecret(r.Context(), apiID, apiKey)
	if err != nil {
		h.logger.Warn("invalid api key attempt", "api_id", apiID, "request_id", requestID)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Invalid API key or API not found",
		})
		return
	}

	plan := ratelimit.PlanFree
	var override *int
	if account, err := h.store.GetAccountPlan(r.Context(), api.AccountID); err == nil {
		plan = account.Plan
		override = account.CustomRateLimit
	}

	allowed, info := h.limiter.Check(r.Context(), api.AccountID, plan, override)
	if !allowed {
		h.logger.Warn("rate limit exceeded", "account_id", api.AccountID, "api_id", apiID, "request_id", requestID)
		setRateLimitHeaders(w, info, 0)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "Rate limit exceeded",
			"limit": info.Limit,
			"reset": info.Reset,
		})
		return
	}

	if api.Status != models.StatusActive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "API is " + api.Status,
		})
		return
	}

	port, havePort := h.deployer.Port(apiID)
	if !havePort || !h.deployer.IsDeployed(r.Context(), apiID) {
		h.logger.Info("api not deployed, deploying now", "api_id", apiID, "request_id", requestID)

		if api.CodeSnapshot == "" {
			h.logger.Error("no code found for api", "api_id", apiID)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "API code not found"})
			return
		}

		port, err = h.deployer.Deploy(r.Context(), apiID, api.CodeSnapshot, api.Requirements)
		if err != nil {
			h.logger.Error("failed to deploy api", "api_id", apiID, "error", err, "request_id", requestID)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Failed to deploy API. Please try again."})
			return
		}
	}

	upstream, requestSize, err := h.buildUpstreamRequest(r, port, subpath)
	if err != nil {
		h.handleUpstreamError(w, r, api, err, start, requestID)
		return
	}

	resp, err := h.client.Do(upstream)
	if err != nil {
		h.handleUpstreamError(w, r, api, err, start, requestID)
		return
	}
	defer resp.Body.Close()

	h.limiter.Increment(r.Context(), api.AccountID)
	h.logUsage(api, resp.StatusCode, start, requestSize)

	h.logger.Info("api request successful",
		"api_id", apiID,
		"account_id", api.AccountID,
		"status_code", resp.StatusCode,
		"response_time_ms", time.Since(start).Milliseconds(),
		"request_id", requestID,
	)

	relayResponse(w, resp, info)
}

func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info, spent int) {
	remaining := info.Remaining - spent
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset, 10))
}

func relayResponse(w http.ResponseWriter, resp *http.Response, info ratelimit.Info) {
	for key, values := range resp.Header {
		switch strings.ToLower(key) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	// Fresh headers reflecting the post-increment remaining count.
	setRateLimitHeaders(w, info, 1)

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// logUsage appends one usage record; fire-and-forget so a slow store
// never delays the response.
func (h *Handler) logUsage(api *models.API, statusCode int, start time.Time, requestSize int64) {
	entry := &models.UsageLog{
		APIID:            api.ID,
		AccountID:        api.AccountID,
		StatusCode:       statusCode,
		ResponseTimeMs:   int(time.Since(start).Milliseconds()),
		RequestSizeBytes: requestSize,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.LogUsage(ctx, entry); err != nil {
			h.logger.Error("error logging api usage", "api_id", api.ID, "error", err)
		}
	}()
}
