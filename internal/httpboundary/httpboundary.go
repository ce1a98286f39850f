// Package httpboundary is the minimal HTTP surface of the core: a
// rate-limit-exempt health probe and a rate-limited status endpoint. It
// surfaces problems as typed error codes and never leaks internal
// reasoning or cryptographic state.
package httpboundary

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/resource"
	"github.com/ciriscore/agentcore/internal/security"
	"github.com/ciriscore/agentcore/internal/statemachine"
)

// ErrorCode is the typed error vocabulary clients see.
type ErrorCode string

const (
	ErrInsufficientPermissions ErrorCode = "insufficient_permissions"
	ErrServiceUnavailable      ErrorCode = "service_unavailable"
	ErrRateLimited             ErrorCode = "rate_limited"
	ErrValidation              ErrorCode = "validation_error"
	ErrIntegrityFailure        ErrorCode = "integrity_failure"
	ErrInternal                ErrorCode = "internal_error"
)

type errorBody struct {
	Error ErrorCode `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code})
}

// StatusSource reports the live runtime state the status endpoint exposes.
type StatusSource interface {
	AgentState() statemachine.State
	ResourceSnapshot() resource.Snapshot
}

// Boundary wires the two routes onto a router.
type Boundary struct {
	logger  *zap.Logger
	limiter *security.RateLimiter
	source  StatusSource
}

// New creates a Boundary. limiter guards /agent/status only; the health
// probe never consumes a bucket token.
func New(logger *zap.Logger, limiter *security.RateLimiter, source StatusSource) *Boundary {
	return &Boundary{logger: logger, limiter: limiter, source: source}
}

// Router builds the HTTP handler.
func (b *Boundary) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/system/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/agent/status", b.handleStatus).Methods(http.MethodGet)
	return r
}

func (b *Boundary) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `{"status":"ok"}`)
}

type statusBody struct {
	State     string             `json:"state"`
	Resources map[string]float64 `json:"resources"`
	Warnings  []string           `json:"warnings,omitempty"`
	Critical  []string           `json:"critical,omitempty"`
}

func (b *Boundary) handleStatus(w http.ResponseWriter, r *http.Request) {
	if b.limiter != nil {
		key := security.IPKeyFunc(r)
		if !b.limiter.Allow(key) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(b.limiter.RetryAfter().Seconds())))
			writeError(w, http.StatusTooManyRequests, ErrRateLimited)
			return
		}
	}

	if b.source == nil {
		writeError(w, http.StatusServiceUnavailable, ErrServiceUnavailable)
		return
	}

	snap := b.source.ResourceSnapshot()
	body := statusBody{
		State:     string(b.source.AgentState()),
		Resources: make(map[string]float64, len(snap.UsedPct)),
		Warnings:  snap.Warnings,
		Critical:  snap.Critical,
	}
	for class, pct := range snap.UsedPct {
		body.Resources[string(class)] = pct
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		b.logger.Error("status encode failed", zap.Error(err))
	}
}
