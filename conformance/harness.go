// Package conformance provides a test harness that checks the missions HTTP
// contract: envelopes, error codes, access levels and paging bounds.
package conformance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/burn"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/chain"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/mission"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/server"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
)

// Harness runs the missions service in-process for conformance testing.
type Harness struct {
	server   *httptest.Server
	signer   *auth.Signer
	missions *mission.Manager
	burns    *burn.Ledger
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// Balance is what every wallet holds; nil means the premium threshold
	Balance *big.Int
}

// NewHarness creates a new conformance test harness over in-memory storage.
func NewHarness(cfg Config) (*Harness, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	balance := cfg.Balance
	if balance == nil {
		balance = tier.Premium.Threshold
	}
	balances := chain.NewStaticOracle(balance)
	store := storage.NewMemory()

	missions, err := mission.New(mission.Config{Store: store, Balances: balances})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mission manager: %w", err)
	}
	burns, err := burn.New(burn.Config{Store: store, Balances: balances})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize burn ledger: %w", err)
	}

	signer := auth.NewSigner("conformance", priv, cfg.JWTIssuer, cfg.JWTAudience)
	mux, err := server.NewMux(server.Deps{
		Missions: missions,
		Burns:    burns,
		Auth:     auth.NewAuthenticator(signer.Keys(), cfg.JWTIssuer, cfg.JWTAudience),
		Store:    store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize http handler: %w", err)
	}
	missions.Start()
	burns.Start()

	return &Harness{
		server:   httptest.NewServer(mux),
		signer:   signer,
		missions: missions,
		burns:    burns,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and the background workers.
func (h *Harness) Close() {
	h.server.Close()
	h.burns.Close()
	h.missions.Close()
}

// RunConformanceTests runs all conformance tests against the missions service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("AccessLevels", h.testAccessLevels)
	t.Run("ValidationFields", h.testValidationFields)
	t.Run("Pagination", h.testPagination)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
		Field         string `json:"field"`
	} `json:"error"`
}

// request sends a request, optionally as wallet with role, and decodes the envelope.
func (h *Harness) request(t *testing.T, method, path, wallet, role, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		token, err := h.signer.Sign(wallet, role, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("%s %s: response is not an envelope: %s", method, path, raw)
		}
	}
	return resp.StatusCode, env
}

const wallet = "0x5EED000000000000000000000000000000000001"

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testErrorEnvelope tests that every failure carries a coded error envelope.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	cases := []struct {
		method, path, wallet, body string
		status                     int
		code                       string
	}{
		{http.MethodGet, "/v1/missions/unknown", "", "", http.StatusNotFound, "MSN_NOT_FOUND"},
		{http.MethodGet, "/v1/responses/unknown", "", "", http.StatusNotFound, "MSN_NOT_FOUND"},
		{http.MethodGet, "/v1/tiers/not-an-address", "", "", http.StatusBadRequest, "MSN_VALIDATION"},
		{http.MethodPost, "/v1/missions", wallet, "{", http.StatusBadRequest, "MSN_BAD_REQUEST"},
		{http.MethodPost, "/v1/burn", "", `{}`, http.StatusUnauthorized, "MSN_AUTHN"},
	}
	for _, c := range cases {
		status, env := h.request(t, c.method, c.path, c.wallet, "", c.body)
		if status != c.status {
			t.Errorf("%s %s: status %d, want %d", c.method, c.path, status, c.status)
		}
		if env.Error == nil {
			t.Errorf("%s %s: missing error envelope", c.method, c.path)
			continue
		}
		if env.Error.Code != c.code {
			t.Errorf("%s %s: code %s, want %s", c.method, c.path, env.Error.Code, c.code)
		}
		if env.Error.CorrelationID == "" || env.Error.Message == "" {
			t.Errorf("%s %s: error lacks message or correlationId", c.method, c.path)
		}
	}
}

// testAccessLevels tests public, wallet and admin routes.
func (h *Harness) testAccessLevels(t *testing.T) {
	if status, _ := h.request(t, http.MethodGet, "/v1/missions", "", "", ""); status != http.StatusOK {
		t.Errorf("public listing returned %d", status)
	}
	if status, _ := h.request(t, http.MethodGet, "/v1/burn/history", "", "", ""); status != http.StatusUnauthorized {
		t.Errorf("anonymous burn history returned %d, want 401", status)
	}
	if status, _ := h.request(t, http.MethodGet, "/v1/burn/history", wallet, "", ""); status != http.StatusOK {
		t.Errorf("wallet burn history returned %d", status)
	}
	status, env := h.request(t, http.MethodPost, "/v1/responses/unknown/flag", wallet, "", `{"reason":"x"}`)
	if status != http.StatusForbidden || env.Error == nil || env.Error.Code != "MSN_AUTHZ" {
		t.Errorf("wallet flag returned %d, want 403 MSN_AUTHZ", status)
	}
	if status, _ := h.request(t, http.MethodPost, "/v1/responses/unknown/flag", wallet, auth.RoleAdmin, `{"reason":"x"}`); status != http.StatusNotFound {
		t.Errorf("admin flag of unknown response returned %d, want 404", status)
	}
}

// testValidationFields tests that validation errors name the offending field.
func (h *Harness) testValidationFields(t *testing.T) {
	status, env := h.request(t, http.MethodPost, "/v1/missions", wallet, "",
		`{"title":"t","description":"d","difficulty":"legendary","topic":"x","targetDuration":60,"expirationDays":1}`)
	if status != http.StatusBadRequest || env.Error == nil {
		t.Fatalf("bad difficulty returned %d", status)
	}
	if env.Error.Field != "difficulty" {
		t.Errorf("field = %q, want difficulty", env.Error.Field)
	}
}

// testPagination tests that listing limits are clamped and reported.
func (h *Harness) testPagination(t *testing.T) {
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"title":"Mission %d","description":"d","difficulty":"easy","topic":"x","targetDuration":60,"expirationDays":1}`, i)
		if status, env := h.request(t, http.MethodPost, "/v1/missions", wallet, "", body); status != http.StatusCreated {
			t.Fatalf("create returned %d: %+v", status, env.Error)
		}
	}

	var page struct {
		Missions []json.RawMessage `json:"missions"`
		Total    int               `json:"total"`
		Limit    int               `json:"limit"`
		HasMore  bool              `json:"hasMore"`
	}
	_, env := h.request(t, http.MethodGet, "/v1/missions?limit=2", "", "", "")
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Missions) != 2 || page.Total < 3 || !page.HasMore {
		t.Errorf("first page = %d missions, total %d, hasMore %v", len(page.Missions), page.Total, page.HasMore)
	}

	_, env = h.request(t, http.MethodGet, "/v1/missions?limit=1000", "", "", "")
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatal(err)
	}
	if page.Limit != 100 {
		t.Errorf("limit = %d, want clamp to 100", page.Limit)
	}

	if status, _ := h.request(t, http.MethodGet, "/v1/missions?limit=abc", "", "", ""); status != http.StatusBadRequest {
		t.Errorf("non-numeric limit returned %d, want 400", status)
	}
}
