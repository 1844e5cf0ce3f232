// Package api is the daemon's HTTP surface. Error responses are RFC 7807
// problem documents; every engine error maps onto a stable status + code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/clearsign-labs/txgate/pkg/engine"
	"github.com/clearsign-labs/txgate/pkg/failover"
	"github.com/clearsign-labs/txgate/pkg/policy"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	// Instance is the request path the problem occurred on.
	Instance string `json:"instance,omitempty"`
	// Code is the machine-readable decision or taxonomy code, when one exists.
	Code string `json:"code,omitempty"`
	// Decision carries the full policy decision for block/confirm outcomes so
	// callers can present the reason and the confirmation key.
	Decision *policy.Decision `json:"decision,omitempty"`
	// RequestID links the response to the request log line.
	RequestID string `json:"requestId,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://txgate.dev/errors/%d", p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail})
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: "Not Found", Status: http.StatusNotFound, Detail: detail})
}

// WriteTooManyRequests writes a 429 response with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Title: "Too Many Requests", Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

// WriteInternal writes a 500 response. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("api: internal error", "path", pathOf(r), "error", err)
	writeProblem(w, r, &ProblemDetail{
		Title: "Internal Server Error", Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred.",
	})
}

// WriteEngineError maps the engine error taxonomy onto HTTP statuses:
// validation 400, policy block 403, approval required 409, unknown/expired
// artifact 404, transient upstream 503, permanent upstream 502, invariant
// violations 500.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		p := &ProblemDetail{Title: "Invalid Plan", Status: http.StatusBadRequest, Detail: verr.Error()}
		writeProblem(w, r, p)
		return
	}
	var pbe *engine.PolicyBlockError
	if errors.As(err, &pbe) {
		writeProblem(w, r, &ProblemDetail{
			Title: "Policy Block", Status: http.StatusForbidden,
			Detail:   pbe.Decision.Message,
			Code:     pbe.Decision.Code,
			Decision: &pbe.Decision,
		})
		return
	}
	var are *engine.ApprovalRequiredError
	if errors.As(err, &are) {
		writeProblem(w, r, &ProblemDetail{
			Title: "Approval Required", Status: http.StatusConflict,
			Detail:   are.Decision.Message,
			Code:     are.Decision.Code,
			Decision: &are.Decision,
		})
		return
	}
	if errors.Is(err, engine.ErrNotFoundOrExpired) {
		WriteNotFound(w, r, "prepared artifact not found or expired")
		return
	}
	var ne *engine.NodeError
	if errors.As(err, &ne) {
		status := http.StatusBadGateway
		if failover.Transient(err) {
			status = http.StatusServiceUnavailable
		}
		writeProblem(w, r, &ProblemDetail{
			Title: "Upstream Failure", Status: status, Detail: ne.Message, Code: ne.Code,
		})
		return
	}
	var iie *engine.InternalInvariantError
	if errors.As(err, &iie) {
		WriteInternal(w, r, err)
		return
	}
	if failover.Transient(err) {
		writeProblem(w, r, &ProblemDetail{
			Title: "Upstream Unavailable", Status: http.StatusServiceUnavailable, Detail: err.Error(),
		})
		return
	}
	WriteInternal(w, r, err)
}

func pathOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}
