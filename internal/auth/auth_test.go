package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHMACVerifier_RoundTrip(t *testing.T) {
	v := NewHMACVerifier("test-secret")

	token := v.Sign("alice")
	userID, ok := v.Verify(token)
	if !ok {
		t.Fatal("Verify rejected a freshly signed token")
	}
	if userID != "alice" {
		t.Errorf("userID = %q, want alice", userID)
	}
}

func TestHMACVerifier_Rejects(t *testing.T) {
	v := NewHMACVerifier("test-secret")
	other := NewHMACVerifier("other-secret")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no signature", "alice"},
		{"empty user", other.Sign("")},
		{"bad hex", "alice.zzzz"},
		{"wrong secret", other.Sign("alice")},
		{"tampered user", "bob." + v.Sign("alice")[len("alice."):]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := v.Verify(tt.token); ok {
				t.Errorf("Verify(%q) accepted, want reject", tt.token)
			}
		})
	}
}

func TestMiddleware_SetsUserID(t *testing.T) {
	v := StaticVerifier{"tok-alice": "alice"}

	var got string
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got != "alice" {
		t.Errorf("UserID in handler = %q, want alice", got)
	}
}

func TestMiddleware_RejectsMissingAndInvalid(t *testing.T) {
	v := StaticVerifier{"tok-alice": "alice"}
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without valid token")
	}))

	for _, header := range []string{"", "Bearer wrong", "Basic tok-alice"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}
