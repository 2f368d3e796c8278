package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/apifoundry/gateway/internal/auth"
	"github.com/apifoundry/gateway/internal/models"
	"github.com/apifoundry/gateway/internal/ratelimit"
	"github.com/gorilla/mux"
)

type Limiter interface {
	Status(ctx context.Context, accountID, plan string, override *int) ratelimit.Info
}

// OwnerHandler serves account-scoped management routes. Every
// operation verifies the caller owns the target tenant before acting.
type OwnerHandler struct {
	deployer Deployer
	store    Store
	limiter  Limiter
	logger   *slog.Logger
}

func NewOwnerHandler(deployer Deployer, store Store, limiter Limiter, logger *slog.Logger) *OwnerHandler {
	return &OwnerHandler{
		deployer: deployer,
		store:    store,
		limiter:  limiter,
		logger:   logger,
	}
}

func (h *OwnerHandler) RegisterRoutes(router *mux.Router, authMW *auth.Middleware) {
	sub := router.PathPrefix("/api").Subrouter()
	sub.Use(authMW.Authenticate)

	sub.HandleFunc("/deploy-api", h.DeployAPI).Methods("POST")
	sub.HandleFunc("/container-logs/{id}", h.ContainerLogs).Methods("GET")
	sub.HandleFunc("/container-info/{id}", h.ContainerInfo).Methods("GET")
	sub.HandleFunc("/container-stop/{id}", h.ContainerStop).Methods("POST")
	sub.HandleFunc("/container-start/{id}", h.ContainerStart).Methods("POST")
	sub.HandleFunc("/rate-limit/status", h.RateLimitStatus).Methods("GET")
}

// ownedAPI resolves the tenant and checks ownership in one lookup.
func (h *OwnerHandler) ownedAPI(w http.ResponseWriter, r *http.Request, apiID string) (*models.API, bool) {
	claims, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return nil, false
	}

	api, err := h.store.GetAPIForAccount(r.Context(), apiID, claims.AccountID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "API not found"})
		return nil, false
	}
	return api, true
}

// DeployAPI rebuilds the tenant's container from its stored code
// snapshot and marks it active.
func (h *OwnerHandler) DeployAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIID string `json:"apiId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	api, ok := h.ownedAPI(w, r, req.APIID)
	if !ok {
		return
	}
	if api.CodeSnapshot == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "API has no code to deploy"})
		return
	}

	h.logger.Info("owner deploy requested", "api_id", api.ID, "account_id", api.AccountID)

	port, err := h.deployer.Deploy(r.Context(), api.ID, api.CodeSnapshot, api.Requirements)
	if err != nil {
		h.logger.Error("failed to deploy api", "api_id", api.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to deploy API: " + err.Error()})
		return
	}

	if err := h.store.UpdateStatus(r.Context(), api.ID, models.StatusActive); err != nil {
		h.logger.Error("failed to update api status", "api_id", api.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"apiId":   api.ID,
		"status":  models.StatusActive,
		"port":    port,
		"message": "API deployed successfully with latest code",
	})
}

func (h *OwnerHandler) ContainerLogs(w http.ResponseWriter, r *http.Request) {
	api, ok := h.ownedAPI(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}

	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	lines, err := h.deployer.Logs(r.Context(), api.ID, tail)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"apiId":   api.ID,
		"logs":    lines,
	})
}

func (h *OwnerHandler) ContainerInfo(w http.ResponseWriter, r *http.Request) {
	api, ok := h.ownedAPI(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}

	info, err := h.deployer.ContainerInfo(r.Context(), api.ID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"apiId":     api.ID,
		"container": info,
	})
}

func (h *OwnerHandler) ContainerStop(w http.ResponseWriter, r *http.Request) {
	api, ok := h.ownedAPI(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}

	stopped, err := h.deployer.Stop(r.Context(), api.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to stop container: " + err.Error()})
		return
	}
	if !stopped {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Container not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"apiId":   api.ID,
		"message": "Container stopped successfully",
	})
}

func (h *OwnerHandler) ContainerStart(w http.ResponseWriter, r *http.Request) {
	api, ok := h.ownedAPI(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	if api.CodeSnapshot == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "API has no code to deploy"})
		return
	}

	port, err := h.deployer.Deploy(r.Context(), api.ID, api.CodeSnapshot, api.Requirements)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start container: " + err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"apiId":   api.ID,
		"port":    port,
		"message": "Container started successfully",
	})
}

func (h *OwnerHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	plan := ratelimit.PlanFree
	var override *int
	if account, err := h.store.GetAccountPlan(r.Context(), claims.AccountID); err == nil {
		plan = account.Plan
		override = account.CustomRateLimit
	}

	info := h.limiter.Status(r.Context(), claims.AccountID, plan, override)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limit":     info.Limit,
		"used":      info.Current,
		"remaining": info.Remaining,
		"reset":     info.Reset,
		"plan":      plan,
	})
}
