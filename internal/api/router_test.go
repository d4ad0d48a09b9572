package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transfa/trustgroup-service/internal/app"
	"github.com/transfa/trustgroup-service/internal/audit"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const testInternalKey = "internal-secret"

// headerAuth trusts X-Test-User so handler tests can skip token minting.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-Test-User")
		if userID == "" {
			writeUnauthorized(w, "Authorization header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	repo := store.NewMemoryRepository()
	settings := app.DefaultSettings()
	settings.BcryptCost = bcrypt.MinCost
	service := app.NewService(repo, audit.NewChain(repo, nil), settings)
	return NewRouter(NewHandlers(service), RouterOptions{
		Authenticate:   headerAuth,
		InternalAPIKey: testInternalKey,
	})
}

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func doRequest(t *testing.T, router http.Handler, method, path, user string, body interface{}, headers ...string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded testResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestRouter_GroupLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	rec, resp := doRequest(t, router, http.MethodPost, "/groups", "creator", map[string]interface{}{
		"name":                 "Harvest Circle",
		"max_members":          5,
		"monthly_contribution": 10000,
	})
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var group domain.TrustGroup
	if err := json.Unmarshal(resp.Data, &group); err != nil {
		t.Fatalf("decode group: %v", err)
	}

	base := "/groups/" + group.ID.String()
	rec, resp = doRequest(t, router, http.MethodPost, base+"/contributions", "creator", map[string]int64{"amount": 500})
	if rec.Code != http.StatusUnprocessableEntity || resp.Error == nil || resp.Error.Code != domain.ErrWalletRequired.Code {
		t.Fatalf("expected wallet required, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, router, http.MethodPost, base+"/wallet", "creator", map[string]string{"pin": "1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected wallet creation, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("pin_hash")) {
		t.Fatalf("wallet response must not expose the pin hash")
	}

	rec, _ = doRequest(t, router, http.MethodPost, "/internal/wallets/creator/top-up", "", map[string]int64{"amount": 800}, "X-Internal-API-Key", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected top-up, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, router, http.MethodPost, base+"/contributions", "creator", map[string]int64{"amount": 500})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected contribution, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, resp = doRequest(t, router, http.MethodPost, base+"/wallet/verify-pin", "creator", map[string]string{"pin": "9999"})
	if rec.Code != http.StatusForbidden || resp.Error.Kind != domain.KindSecurity {
		t.Fatalf("expected security error, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, resp = doRequest(t, router, http.MethodGet, base+"/ledger", "outsider", nil)
	if rec.Code != http.StatusForbidden || resp.Error.Code != domain.ErrForbidden.Code {
		t.Fatalf("expected forbidden for outsider, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, resp = doRequest(t, router, http.MethodGet, base+"/audit/verify", "creator", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected verification report, got %d: %s", rec.Code, rec.Body.String())
	}
	var report domain.IntegrityReport
	if err := json.Unmarshal(resp.Data, &report); err != nil || !report.Valid {
		t.Fatalf("expected a valid chain, got %s", resp.Data)
	}
}

func TestRouter_LockoutReadsLikeWrongPIN(t *testing.T) {
	router := newTestRouter(t)

	rec, resp := doRequest(t, router, http.MethodPost, "/groups", "creator", map[string]interface{}{"name": "Quiet Circle"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var group domain.TrustGroup
	if err := json.Unmarshal(resp.Data, &group); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	base := "/groups/" + group.ID.String()
	rec, _ = doRequest(t, router, http.MethodPost, base+"/wallet", "creator", map[string]string{"pin": "1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected wallet creation, got %d: %s", rec.Code, rec.Body.String())
	}

	var bodies [][]byte
	for _, pin := range []string{"9999", "9999", "9999", "1234"} {
		rec, _ = doRequest(t, router, http.MethodPost, base+"/wallet/verify-pin", "creator", map[string]string{"pin": pin})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
		}
		bodies = append(bodies, rec.Body.Bytes())
	}

	// The third attempt is a plain mismatch; the fourth is refused by the lock.
	if !bytes.Equal(bodies[2], bodies[3]) {
		t.Fatalf("lockout body %s differs from mismatch body %s", bodies[3], bodies[2])
	}
	if !bytes.Contains(bodies[3], []byte(domain.ErrWalletAuthDenied.Code)) {
		t.Fatalf("unexpected body %s", bodies[3])
	}
}

func TestRouter_RejectsBadInput(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doRequest(t, router, http.MethodGet, "/groups/not-a-uuid", "creator", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	rec, _ = doRequest(t, router, http.MethodPost, "/groups", "creator", map[string]string{"unexpected": "field"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}

	rec, _ = doRequest(t, router, http.MethodGet, "/groups", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a user, got %d", rec.Code)
	}
}

func TestRouter_InternalRoutesRequireKey(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doRequest(t, router, http.MethodPost, "/internal/wallets/someone/top-up", "", map[string]int64{"amount": 10})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec, _ = doRequest(t, router, http.MethodPost, "/internal/wallets/someone/top-up", "", map[string]int64{"amount": 10}, "X-Internal-API-Key", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}

	closed := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("internal routes must stay closed without a configured key")
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/withdrawals/x/complete", nil)
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWriteErrorMapsKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"conflict", domain.ErrDuplicateVote, http.StatusConflict, "DUPLICATE_VOTE"},
		{"policy", domain.ErrBelowMinimum, http.StatusUnprocessableEntity, "BELOW_MINIMUM"},
		{"locked", domain.ErrAccountLocked, http.StatusForbidden, "WALLET_AUTH_DENIED"},
		{"mismatch", domain.ErrPINMismatch, http.StatusForbidden, "WALLET_AUTH_DENIED"},
		{"integrity", &domain.ChainCorruptionError{Index: 2, Reason: "hash mismatch"}, http.StatusInternalServerError, "CHAIN_CORRUPTION"},
		{"infrastructure", domain.ErrStoreUnavailable.Wrap(errors.New("dial tcp")), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{"not found", domain.ErrGroupNotFound, http.StatusNotFound, "GROUP_NOT_FOUND"},
		{"rate limited", &domain.RateLimitError{RetryAfterSeconds: 42}, http.StatusTooManyRequests, "RATE_LIMITED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, "test", tt.err)
			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}
			var resp testResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("unexpected body %s", rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	writeError(rec, "test", &domain.RateLimitError{RetryAfterSeconds: 42})
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("expected Retry-After 42, got %q", got)
	}
}
