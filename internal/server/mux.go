// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the missions service.
// It provides RESTful endpoints for missions, submissions, voice generation and
// burn actions with JWT authentication, schema validation and idempotency.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/burn"
	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/media"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/mission"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyClaims        ContextKey = "claims"        // Verified caller claims
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// maxBodyBytes bounds request bodies
	maxBodyBytes = 1 << 20

	// idempotencyTTL is how long a stored response is replayed
	idempotencyTTL = 24 * time.Hour

	tracerName = "missions-service"
)

// access is the authentication a route requires.
type access int

const (
	public access = iota
	wallet
	admin
)

// Deps are the collaborators the HTTP layer needs. Missions, Burns, Auth and
// Store are required; Uploads is nil when recording storage is not configured.
type Deps struct {
	Missions           *mission.Manager
	Burns              *burn.Ledger
	Uploads            *media.Uploads
	Auth               auth.Verifier
	Store              storage.Store
	Validator          *schema.Validator
	Metrics            *metrics.Metrics
	CORSAllowedOrigins []string                               // Allowed origins for CORS (empty means deny all)
	ReadyChecks        map[string]func(context.Context) error // Extra dependencies checked by /readyz
}

// Mux handles HTTP requests for the missions service.
type Mux struct {
	mux        *http.ServeMux
	missions   *mission.Manager
	burns      *burn.Ledger
	uploads    *media.Uploads
	auth       auth.Verifier
	store      storage.Store
	validator  *schema.Validator
	metrics    *metrics.Metrics
	cors       []string
	readyCheck map[string]func(context.Context) error
}

// NewMux creates the HTTP handler with all missions endpoints.
func NewMux(d Deps) (http.Handler, error) {
	if d.Missions == nil || d.Burns == nil || d.Auth == nil || d.Store == nil {
		return nil, fmt.Errorf("server: missions, burns, auth and store are required")
	}
	if d.Validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
		}
		d.Validator = v
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}

	m := &Mux{
		mux:        http.NewServeMux(),
		missions:   d.Missions,
		burns:      d.Burns,
		uploads:    d.Uploads,
		auth:       d.Auth,
		store:      d.Store,
		validator:  d.Validator,
		metrics:    d.Metrics,
		cors:       d.CORSAllowedOrigins,
		readyCheck: d.ReadyChecks,
	}

	// Register health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	m.route("GET /v1/tiers/{address}", public, m.handleGetTier)

	m.route("POST /v1/missions", wallet, m.handleCreateMission)
	m.route("GET /v1/missions", public, m.handleListMissions)
	m.route("GET /v1/missions/{id}", public, m.handleGetMission)
	m.route("POST /v1/missions/{id}/accept", wallet, m.handleAcceptMission)
	m.route("GET /v1/missions/{id}/acceptance", wallet, m.handleGetAcceptance)
	m.route("POST /v1/missions/{id}/deactivate", wallet, m.handleDeactivateMission)
	m.route("POST /v1/missions/{id}/responses", wallet, m.handleSubmitResponse)
	m.route("GET /v1/missions/{id}/responses", public, m.handleListResponses)

	m.route("GET /v1/responses/{id}", public, m.handleGetResponse)
	m.route("POST /v1/responses/{id}/flag", admin, m.handleFlagResponse)
	m.route("POST /v1/responses/{id}/remove", admin, m.handleRemoveResponse)
	m.route("POST /v1/responses/{id}/moderate", admin, m.handleModerateResponse)

	m.route("POST /v1/voice/generate", wallet, m.handleGenerateVoice)
	m.route("POST /v1/burn", wallet, m.handleInitiateBurn)
	m.route("GET /v1/burn/history", wallet, m.handleBurnHistory)
	m.route("POST /v1/burn/{id}/settle", admin, m.handleSettleBurn)

	m.route("POST /v1/recordings/uploadInit", wallet, m.handleUploadInit)
	m.route("POST /v1/recordings/{id}/complete", wallet, m.handleCompleteUpload)

	return m.withCORS(m.mux), nil
}

// route registers h behind the common middleware.
func (m *Mux) route(pattern string, need access, h http.HandlerFunc) {
	m.mux.Handle(pattern, m.withMiddleware(pattern, need, h))
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies correlation IDs, authentication, tracing, metrics
// and request logging.
func (m *Mux) withMiddleware(pattern string, need access, h http.HandlerFunc) http.HandlerFunc {
	route := pattern[strings.Index(pattern, " ")+1:]
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.ContextWithCorrelationID(ctx, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := telemetry.Tracer(tracerName).Start(ctx, r.Method+" "+route)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("correlation_id", correlationID),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)

		if need != public {
			claims, err := m.authenticate(r)
			if err == nil && need == admin && !claims.IsAdmin() {
				err = errordefs.New(errordefs.MSN_AUTHZ, "administrator role required")
			}
			if err != nil {
				m.writeError(rec, r, err)
				m.finish(r, route, rec.status, start, err)
				span.SetStatus(codes.Error, "unauthenticated")
				return
			}
			span.SetAttributes(attribute.String("wallet", claims.Wallet))
			r = r.WithContext(context.WithValue(ctx, ContextKeyClaims, claims))
		}

		h(rec, r)

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		m.finish(r, route, rec.status, start, nil)
	}
}

// authenticate validates the bearer token and returns the caller's claims.
func (m *Mux) authenticate(r *http.Request) (*auth.Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errordefs.New(errordefs.MSN_AUTHN, "missing Authorization header")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errordefs.New(errordefs.MSN_AUTHN, "invalid Authorization header format")
	}

	claims, err := m.auth.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		slog.DebugContext(r.Context(), "token rejected", "error", err)
		return nil, errordefs.New(errordefs.MSN_AUTHN, "invalid or expired token")
	}
	return claims, nil
}

// caller returns the authenticated wallet.
func caller(r *http.Request) string {
	if c, ok := r.Context().Value(ContextKeyClaims).(*auth.Claims); ok {
		return c.Wallet
	}
	return ""
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// withCORS answers preflight requests and sets the allow-origin header for
// configured origins.
func (m *Mux) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowedOrigin := range m.cors {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return true
		}
	}
	return false
}

// readBody reads the request body and validates its shape against the named schema.
func (m *Mux) readBody(r *http.Request, name string) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errordefs.New(errordefs.MSN_BAD_REQUEST, "request body too large or unreadable")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	err = m.validator.Validate(name, body)
	status := "valid"
	if err != nil {
		status = "invalid"
	}
	m.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
	if err != nil {
		return nil, err
	}
	return body, nil
}

// decode reads, validates and unmarshals the body into dst.
func (m *Mux) decode(r *http.Request, name string, dst any) ([]byte, error) {
	body, err := m.readBody(r, name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, errordefs.New(errordefs.MSN_BAD_REQUEST, "invalid JSON")
	}
	return body, nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errordefs.Validation(name, "must be an integer")
	}
	return n, nil
}

// idempotent runs fn once per (caller, Idempotency-Key). A repeated key with
// the same body replays the stored response; with a different body it conflicts.
// Without the header fn runs unconditionally.
func (m *Mux) idempotent(w http.ResponseWriter, r *http.Request, body []byte, status int, fn func() (any, error)) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		data, err := fn()
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		m.writeSuccess(w, status, data)
		return
	}

	ctx := r.Context()
	keySum := sha256.Sum256([]byte(strings.ToLower(caller(r)) + ":" + r.URL.Path + ":" + key))
	bodySum := sha256.Sum256(body)
	keyHash, requestHash := hex.EncodeToString(keySum[:]), hex.EncodeToString(bodySum[:])

	cached, cachedStatus, err := m.store.GetIdempotentResponse(ctx, keyHash, requestHash)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(cachedStatus)
		_, _ = w.Write(cached)
		return
	case errors.Is(err, storage.ErrConflict):
		m.writeError(w, r, errordefs.Conflict("idempotency key reused with a different payload"))
		return
	case !errors.Is(err, storage.ErrNotFound):
		slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
	}

	data, err := fn()
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	responseBody, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		m.writeError(w, r, errordefs.Internal("failed to encode response", err))
		return
	}
	if err := m.store.StoreIdempotentResponse(ctx, keyHash, requestHash, responseBody, status, time.Now().UTC().Add(idempotencyTTL)); err != nil {
		// the action already happened; the caller still gets its result
		slog.WarnContext(ctx, "failed to store idempotent response", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(responseBody, '\n'))
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the missions error taxonomy.
// Foreign errors are reported as internal without leaking their text.
func (m *Mux) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errordefs.As(err)
	if !ok {
		slog.ErrorContext(r.Context(), "unhandled error", "error", err)
		e = errordefs.Internal("internal error", err)
	}
	if e.Code == errordefs.MSN_INTERNAL {
		slog.ErrorContext(r.Context(), "request failed", "error", err, "correlation_id", correlationID(r))
	}
	e.CorrelationID = correlationID(r)

	if e.Code == errordefs.MSN_RATE_LIMIT && !e.ResetAt.IsZero() {
		secs := int(time.Until(e.ResetAt).Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	body := map[string]interface{}{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	if e.Retryable {
		body["retryable"] = true
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// finish records metrics and logs request details
func (m *Mux) finish(r *http.Request, route string, status int, start time.Time, err error) {
	duration := time.Since(start)
	statusLabel := strconv.Itoa(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, statusLabel).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, statusLabel).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if id := correlationID(r); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if w := caller(r); w != "" {
		attrs = append(attrs, slog.String("wallet", w))
	}

	switch {
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	case status >= http.StatusInternalServerError:
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks the store and every registered dependency.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for name, check := range m.readyCheck {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed", "dependency", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
