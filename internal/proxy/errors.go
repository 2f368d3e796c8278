package proxy

import (
	"errors"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/apifoundry/gateway/internal/models"
)

// Upstream failure categories surfaced to the caller.
const (
	categoryConnection = "ConnectionError"
	categoryTimeout    = "TimeoutError"
	categoryMissingDep = "MissingDependencyError"
	categoryUnexpected = "UnexpectedError"
)

// categorize maps an upstream error to a category with remediation
// guidance. Classification inspects the error text: transport errors
// from a dead container say "connection refused", client timeouts
// carry "Client.Timeout", and crash output relayed into errors names
// the missing module.
func categorize(err error) (string, []string) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "ModuleNotFoundError") || strings.Contains(msg, "ImportError"):
		return categoryMissingDep, []string{
			"Missing dependency detected:",
			"1. Add the missing package to the API's requirements field",
			"2. The API will automatically redeploy with the new dependency",
			"3. Common packages: Pillow (images), pandas (data), requests (HTTP)",
		}

	case errors.Is(err, os.ErrDeadlineExceeded) || strings.Contains(msg, "Client.Timeout") || strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return categoryTimeout, []string{
			"The API request timed out. This could mean:",
			"1. The API endpoint is taking too long to process",
			"2. The API is stuck in an infinite loop",
			"3. Network issues between gateway and container",
			"Consider optimizing the API code or increasing timeout limits",
		}

	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") || strings.Contains(lower, "no such host") || strings.Contains(lower, "eof"):
		return categoryConnection, []string{
			"The API container is not responding. This usually means:",
			"1. The container crashed due to missing dependencies",
			"2. The code has syntax errors or import failures",
			"3. The container is still starting up (wait 10-15 seconds)",
			"Check the container logs for startup errors",
			"Verify all required packages are listed in requirements",
		}

	default:
		return categoryUnexpected, []string{
			"An unexpected error occurred:",
			"1. Check the gateway logs for detailed error information",
			"2. Verify the API code doesn't have syntax errors",
			"3. Ensure all API endpoints are properly defined",
			"4. Test the API code locally before deploying",
		}
	}
}

// handleUpstreamError converts a forwarding failure into a structured
// 500 with category-specific troubleshooting. This is the one place
// the gateway tries to be diagnostically helpful to the end user.
func (h *Handler) handleUpstreamError(w http.ResponseWriter, r *http.Request, api *models.API, err error, start time.Time, requestID string) {
	category, tips := categorize(err)

	h.logger.Error("error executing api",
		"api_id", api.ID,
		"account_id", api.AccountID,
		"error", err,
		"error_type", category,
		"request_id", requestID,
	)

	h.logUsage(api, http.StatusInternalServerError, start, 0)

	body := map[string]interface{}{
		"error":           "API Execution Error",
		"error_type":      category,
		"message":         err.Error(),
		"request_id":      requestID,
		"troubleshooting": tips,
	}
	if h.environment != "production" {
		body["stack_trace"] = string(debug.Stack())
	}

	writeJSON(w, http.StatusInternalServerError, body)
}
