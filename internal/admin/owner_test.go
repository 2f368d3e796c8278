package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apifoundry/gateway/internal/auth"
	"github.com/apifoundry/gateway/internal/models"
	"github.com/apifoundry/gateway/internal/ratelimit"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret"

type fakeLimiter struct {
	info ratelimit.Info
}

func (l *fakeLimiter) Status(ctx context.Context, accountID, plan string, override *int) ratelimit.Info {
	return l.info
}

func setupOwner(t *testing.T) (*fakeDeployer, *fakeStore, *mux.Router) {
	t.Helper()

	deployer := newFakeDeployer()
	st := &fakeStore{apis: map[string]*models.API{
		"api-1": {
			ID:           "api-1",
			AccountID:    "acct-1",
			CodeSnapshot: "code",
			Status:       models.StatusInactive,
		},
		"api-other": {
			ID:           "api-other",
			AccountID:    "acct-2",
			CodeSnapshot: "code",
			Status:       models.StatusActive,
		},
	}}
	limiter := &fakeLimiter{info: ratelimit.Info{Limit: 100, Remaining: 97, Current: 3, Reset: 1700003600}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewOwnerHandler(deployer, st, limiter, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router, auth.NewMiddleware(testJWTSecret))
	return deployer, st, router
}

func ownerRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	token, err := auth.GenerateToken("acct-1", testJWTSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestOwnerRoutesRequireJWT(t *testing.T) {
	_, _, router := setupOwner(t)

	rec := do(router, httptest.NewRequest("GET", "/api/rate-limit/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := httptest.NewRequest("GET", "/api/rate-limit/status", nil)
	bad.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, do(router, bad).Code)
}

func TestOwnerDeployAPI(t *testing.T) {
	deployer, st, router := setupOwner(t)

	body := bytes.NewReader([]byte(`{"apiId":"api-1"}`))
	rec := do(router, ownerRequest(t, "POST", "/api/deploy-api", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(9123), resp["port"])
	assert.Equal(t, models.StatusActive, resp["status"])

	assert.Equal(t, []string{"api-1"}, deployer.deploys)
	assert.Equal(t, models.StatusActive, st.apis["api-1"].Status, "deploy marks the api active")
}

func TestOwnerCannotTouchForeignAPI(t *testing.T) {
	deployer, _, router := setupOwner(t)

	body := bytes.NewReader([]byte(`{"apiId":"api-other"}`))
	rec := do(router, ownerRequest(t, "POST", "/api/deploy-api", body))
	assert.Equal(t, http.StatusNotFound, rec.Code, "ownership failures look like missing apis")
	assert.Empty(t, deployer.deploys)

	rec = do(router, ownerRequest(t, "POST", "/api/container-stop/api-other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnerDeployAPIBadRequest(t *testing.T) {
	_, _, router := setupOwner(t)

	rec := do(router, ownerRequest(t, "POST", "/api/deploy-api", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOwnerContainerStopStart(t *testing.T) {
	deployer, _, router := setupOwner(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, ownerRequest(t, "POST", "/api/container-stop/api-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api-1"}, deployer.stopped)

	rec = do(router, ownerRequest(t, "POST", "/api/container-start/api-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"api-1"}, deployer.deploys)
}

func TestOwnerContainerLogs(t *testing.T) {
	deployer, _, router := setupOwner(t)
	deployer.deployments["api-1"] = models.DeploymentInfo{Status: "running"}

	rec := do(router, ownerRequest(t, "GET", "/api/container-logs/api-1?tail=20", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "line one")
}

func TestOwnerRateLimitStatus(t *testing.T) {
	_, _, router := setupOwner(t)

	rec := do(router, ownerRequest(t, "GET", "/api/rate-limit/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(100), resp["limit"])
	assert.Equal(t, float64(3), resp["used"])
	assert.Equal(t, float64(97), resp["remaining"])
	assert.Equal(t, "free", resp["plan"])
}
