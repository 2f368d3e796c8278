package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apifoundry/gateway/internal/deploy"
	"github.com/apifoundry/gateway/internal/metrics"
	"github.com/apifoundry/gateway/internal/models"
	"github.com/apifoundry/gateway/internal/store"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "admin-secret"

type fakeDeployer struct {
	deployments map[string]models.DeploymentInfo
	stopped     []string
	restarts    []string
	deploys     []string
	cleanups    int
	stopOK      bool
	health      deploy.Health
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		deployments: make(map[string]models.DeploymentInfo),
		stopOK:      true,
	}
}

func (d *fakeDeployer) Deploy(ctx context.Context, tenantID, code, requirements string) (int, error) {
	d.deploys = append(d.deploys, tenantID)
	return 9123, nil
}

func (d *fakeDeployer) Restart(ctx context.Context, tenantID, code, requirements string) (int, error) {
	d.restarts = append(d.restarts, tenantID)
	return 9123, nil
}

func (d *fakeDeployer) Stop(ctx context.Context, tenantID string) (bool, error) {
	if !d.stopOK {
		return false, nil
	}
	d.stopped = append(d.stopped, tenantID)
	delete(d.deployments, tenantID)
	return true, nil
}

func (d *fakeDeployer) Health(ctx context.Context, tenantID string) deploy.Health {
	return d.health
}

func (d *fakeDeployer) Deployments(ctx context.Context) map[string]models.DeploymentInfo {
	return d.deployments
}

func (d *fakeDeployer) CleanupStopped(ctx context.Context) {
	d.cleanups++
}

func (d *fakeDeployer) Logs(ctx context.Context, tenantID string, tail int) ([]string, error) {
	if _, ok := d.deployments[tenantID]; !ok {
		return nil, deploy.ErrNotDeployed
	}
	return []string{"line one", "line two"}, nil
}

func (d *fakeDeployer) ContainerInfo(ctx context.Context, tenantID string) (deploy.Info, error) {
	if _, ok := d.deployments[tenantID]; !ok {
		return deploy.Info{}, deploy.ErrNotDeployed
	}
	return deploy.Info{TenantID: tenantID, Name: "api-" + tenantID, Status: "running"}, nil
}

func (d *fakeDeployer) Count() int {
	return len(d.deployments)
}

type fakeStore struct {
	apis map[string]*models.API
}

func (s *fakeStore) GetAPIByID(ctx context.Context, id string) (*models.API, error) {
	api, ok := s.apis[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return api, nil
}

func (s *fakeStore) GetAPIForAccount(ctx context.Context, id, accountID string) (*models.API, error) {
	api, ok := s.apis[id]
	if !ok || api.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return api, nil
}

func (s *fakeStore) GetAccountPlan(ctx context.Context, accountID string) (*models.AccountPlan, error) {
	return &models.AccountPlan{AccountID: accountID, Plan: "free"}, nil
}

func (s *fakeStore) ListActiveAPIs(ctx context.Context) ([]*models.API, error) {
	var apis []*models.API
	for _, api := range s.apis {
		if api.Status == models.StatusActive {
			apis = append(apis, api)
		}
	}
	return apis, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id, status string) error {
	api, ok := s.apis[id]
	if !ok {
		return store.ErrNotFound
	}
	api.Status = status
	return nil
}

func setup(t *testing.T) (*fakeDeployer, *fakeStore, *mux.Router) {
	t.Helper()

	deployer := newFakeDeployer()
	st := &fakeStore{apis: map[string]*models.API{
		"api-1": {
			ID:           "api-1",
			AccountID:    "acct-1",
			CodeSnapshot: "code",
			Status:       models.StatusActive,
		},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(deployer, st, metrics.NewCollector(), testAdminKey, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return deployer, st, router
}

func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	return req
}

func do(router *mux.Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRejectBadCredential(t *testing.T) {
	_, _, router := setup(t)

	targets := []struct {
		method string
		path   string
	}{
		{"GET", "/metrics"},
		{"POST", "/admin/reload"},
		{"GET", "/admin/deployments"},
		{"POST", "/admin/deployment/api-1/stop"},
		{"POST", "/admin/cleanup"},
	}

	for _, target := range targets {
		noAuth := do(router, httptest.NewRequest(target.method, target.path, nil))
		assert.Equal(t, http.StatusUnauthorized, noAuth.Code, "%s %s", target.method, target.path)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, noAuth.Body.String())

		wrongKey := httptest.NewRequest(target.method, target.path, nil)
		wrongKey.Header.Set("Authorization", "Bearer wrong")
		assert.Equal(t, http.StatusUnauthorized, do(router, wrongKey).Code)
	}
}

func TestGetMetrics(t *testing.T) {
	_, _, router := setup(t)

	rec := do(router, adminRequest("GET", "/metrics"))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(0), snap.TotalRequests)
}

func TestReloadAll(t *testing.T) {
	deployer, st, router := setup(t)
	st.apis["api-2"] = &models.API{ID: "api-2", Status: models.StatusActive} // no code
	st.apis["api-3"] = &models.API{ID: "api-3", CodeSnapshot: "code", Status: models.StatusInactive}

	rec := do(router, adminRequest("POST", "/admin/reload"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["deployed_apis"], "only active apis with code get redeployed")
	assert.Equal(t, []string{"api-1"}, deployer.restarts)
}

func TestReloadOne(t *testing.T) {
	deployer, _, router := setup(t)

	rec := do(router, adminRequest("POST", "/admin/reload/api-1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api-1"}, deployer.restarts)

	rec = do(router, adminRequest("POST", "/admin/reload/no-such-api"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeployments(t *testing.T) {
	deployer, _, router := setup(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Port: 9123, Status: "running", Image: "user-api-api-1"}

	rec := do(router, adminRequest("GET", "/admin/deployments"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success     bool                             `json:"success"`
		Deployments map[string]models.DeploymentInfo `json:"deployments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Deployments, 1)
	assert.Equal(t, 9123, body.Deployments["api-1"].Port)
}

func TestStopDeployment(t *testing.T) {
	deployer, _, router := setup(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, adminRequest("POST", "/admin/deployment/api-1/stop"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api-1"}, deployer.stopped)

	deployer.stopOK = false
	rec = do(router, adminRequest("POST", "/admin/deployment/ghost/stop"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartDeployment(t *testing.T) {
	deployer, _, router := setup(t)

	rec := do(router, adminRequest("POST", "/admin/deployment/api-1/start"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api-1"}, deployer.deploys)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(9123), body["port"])

	rec = do(router, adminRequest("POST", "/admin/deployment/ghost/start"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDeploymentLogs(t *testing.T) {
	deployer, _, router := setup(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, adminRequest("GET", "/admin/deployment/api-1/logs?tail=50"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "line one")

	rec = do(router, adminRequest("GET", "/admin/deployment/ghost/logs"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDeploymentInfo(t *testing.T) {
	deployer, _, router := setup(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, adminRequest("GET", "/admin/deployment/api-1/info"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api-api-1")
}

func TestGetDiagnostics(t *testing.T) {
	deployer, _, router := setup(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, adminRequest("GET", "/admin/deployment/api-1/diagnostics"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["deployed"])

	record, ok := body["record"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "active", record["status"])
	assert.Equal(t, true, record["has_code"])

	container, ok := body["container"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "running", container["status"])
	assert.Contains(t, body["logs"], "line one")
}

func TestGetDiagnosticsUnknownAPI(t *testing.T) {
	_, _, router := setup(t)

	rec := do(router, adminRequest("GET", "/admin/deployment/ghost/diagnostics"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["deployed"])
	assert.Nil(t, body["record"])
	assert.NotContains(t, body, "container")
}

func TestCleanup(t *testing.T) {
	deployer, _, router := setup(t)

	rec := do(router, adminRequest("POST", "/admin/cleanup"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, deployer.cleanups)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["remaining_deployments"])
}
