// Package admin exposes the operational surface of the gateway:
// deployment listing and control behind a static admin credential, and
// owner-scoped management routes behind account JWTs.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/apifoundry/gateway/internal/auth"
	"github.com/apifoundry/gateway/internal/deploy"
	"github.com/apifoundry/gateway/internal/metrics"
	"github.com/apifoundry/gateway/internal/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deployer is the full lifecycle surface consumed by the admin routes.
type Deployer interface {
	Deploy(ctx context.Context, tenantID, code, requirements string) (int, error)
	Restart(ctx context.Context, tenantID, code, requirements string) (int, error)
	Stop(ctx context.Context, tenantID string) (bool, error)
	Health(ctx context.Context, tenantID string) deploy.Health
	Deployments(ctx context.Context) map[string]models.DeploymentInfo
	CleanupStopped(ctx context.Context)
	Logs(ctx context.Context, tenantID string, tail int) ([]string, error)
	ContainerInfo(ctx context.Context, tenantID string) (deploy.Info, error)
	Count() int
}

type Store interface {
	GetAPIByID(ctx context.Context, id string) (*models.API, error)
	GetAPIForAccount(ctx context.Context, id, accountID string) (*models.API, error)
	GetAccountPlan(ctx context.Context, accountID string) (*models.AccountPlan, error)
	ListActiveAPIs(ctx context.Context) ([]*models.API, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

type Handler struct {
	deployer  Deployer
	store     Store
	collector *metrics.Collector
	adminKey  string
	logger    *slog.Logger
}

func NewHandler(deployer Deployer, store Store, collector *metrics.Collector, adminKey string, logger *slog.Logger) *Handler {
	return &Handler{
		deployer:  deployer,
		store:     store,
		collector: collector,
		adminKey:  adminKey,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	guard := func(fn http.HandlerFunc) http.HandlerFunc {
		return auth.RequireAdmin(h.adminKey, fn)
	}

	router.HandleFunc("/metrics", guard(h.GetMetrics)).Methods("GET")
	router.Handle("/metrics/prometheus", auth.RequireAdmin(h.adminKey, promhttp.Handler().ServeHTTP)).Methods("GET")

	router.HandleFunc("/admin/reload", guard(h.ReloadAll)).Methods("POST")
	router.HandleFunc("/admin/reload/{id}", guard(h.ReloadOne)).Methods("POST")
	router.HandleFunc("/admin/deployments", guard(h.ListDeployments)).Methods("GET")
	router.HandleFunc("/admin/deployment/{id}", guard(h.GetDeployment)).Methods("GET")
	router.HandleFunc("/admin/deployment/{id}/stop", guard(h.StopDeployment)).Methods("POST")
	router.HandleFunc("/admin/deployment/{id}/start", guard(h.StartDeployment)).Methods("POST")
	router.HandleFunc("/admin/deployment/{id}/logs", guard(h.GetDeploymentLogs)).Methods("GET")
	router.HandleFunc("/admin/deployment/{id}/info", guard(h.GetDeploymentInfo)).Methods("GET")
	router.HandleFunc("/admin/deployment/{id}/diagnostics", guard(h.GetDiagnostics)).Methods("GET")
	router.HandleFunc("/admin/cleanup", guard(h.Cleanup)).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collector.Snapshot())
}

// ReloadAll redeploys every active tenant that has a code snapshot.
// Individual failures are logged and skipped so one broken tenant
// cannot block the rest.
func (h *Handler) ReloadAll(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("redeploying all apis")

	apis, err := h.store.ListActiveAPIs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list active APIs"})
		return
	}

	deployed := 0
	for _, api := range apis {
		if api.CodeSnapshot == "" {
			continue
		}
		if _, err := h.deployer.Restart(r.Context(), api.ID, api.CodeSnapshot, api.Requirements); err != nil {
			h.logger.Error("failed to redeploy api", "api_id", api.ID, "error", err)
			continue
		}
		deployed++
	}

	h.logger.Info("apis redeployed", "deployed_count", deployed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"deployed_apis": deployed,
		"message":       "APIs redeployed successfully",
	})
}

func (h *Handler) ReloadOne(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]
	h.logger.Info("redeploying api", "api_id", apiID)

	api, err := h.store.GetAPIByID(r.Context(), apiID)
	if err != nil || api.CodeSnapshot == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "API not found"})
		return
	}

	if _, err := h.deployer.Restart(r.Context(), api.ID, api.CodeSnapshot, api.Requirements); err != nil {
		h.logger.Error("error redeploying api", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API " + apiID + " redeployed",
	})
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"deployments": h.deployer.Deployments(r.Context()),
	})
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"api_id":  apiID,
		"health":  h.deployer.Health(r.Context(), apiID),
	})
}

func (h *Handler) StopDeployment(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]

	stopped, err := h.deployer.Stop(r.Context(), apiID)
	if err != nil {
		h.logger.Error("error stopping api", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !stopped {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "API not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API " + apiID + " stopped",
	})
}

func (h *Handler) StartDeployment(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]

	api, err := h.store.GetAPIByID(r.Context(), apiID)
	if err != nil || api.CodeSnapshot == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "API not found"})
		return
	}

	port, err := h.deployer.Deploy(r.Context(), api.ID, api.CodeSnapshot, api.Requirements)
	if err != nil {
		h.logger.Error("error starting api", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API " + apiID + " deployed",
		"port":    port,
	})
}

func (h *Handler) GetDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]

	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	lines, err := h.deployer.Logs(r.Context(), apiID, tail)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"api_id":  apiID,
		"logs":    lines,
	})
}

func (h *Handler) GetDeploymentInfo(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]

	info, err := h.deployer.ContainerInfo(r.Context(), apiID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"api_id":    apiID,
		"container": info,
	})
}

// GetDiagnostics combines the stored record, live container state and
// recent logs into one troubleshooting view, so an operator never has
// to stitch together three calls to see why a tenant is down.
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	apiID := mux.Vars(r)["id"]

	resp := map[string]interface{}{
		"api_id":   apiID,
		"deployed": false,
		"record":   nil,
	}

	if api, err := h.store.GetAPIByID(r.Context(), apiID); err == nil {
		resp["record"] = map[string]interface{}{
			"name":        api.Name,
			"status":      api.Status,
			"has_code":    api.CodeSnapshot != "",
			"usage_count": api.UsageCount,
			"updated_at":  api.UpdatedAt,
		}
	}

	info, err := h.deployer.ContainerInfo(r.Context(), apiID)
	if err == nil {
		resp["deployed"] = info.Status == "running"
		resp["container"] = info

		if lines, err := h.deployer.Logs(r.Context(), apiID, 50); err == nil {
			resp["logs"] = lines
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.deployer.CleanupStopped(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":               true,
		"message":               "Cleanup completed",
		"remaining_deployments": h.deployer.Count(),
	})
}
