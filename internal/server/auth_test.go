package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signed(t *testing.T, method jwt.SigningMethod, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenAuthValidate(t *testing.T) {
	a := NewTokenAuth(testSecret)
	good, err := a.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	forever, err := a.Issue("svc", 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr bool
		subject string
	}{
		{name: "issued token", token: good, subject: "alice"},
		{name: "no expiry", token: forever, subject: "svc"},
		{
			name:    "wrong secret",
			token:   signed(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: issuer}, "another-secret-of-some-length"),
			wantErr: true,
		},
		{
			name: "expired",
			token: signed(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			}, testSecret),
			wantErr: true,
		},
		{
			name:    "other method",
			token:   signed(t, jwt.SigningMethodHS512, jwt.RegisteredClaims{Issuer: issuer}, testSecret),
			wantErr: true,
		},
		{
			name:    "other issuer",
			token:   signed(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "someone-else"}, testSecret),
			wantErr: true,
		},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := a.Validate(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && claims.Subject != tt.subject {
				t.Errorf("Subject = %q, want %q", claims.Subject, tt.subject)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	a := NewTokenAuth(testSecret)
	srv := newTestServer(t, &fakeBackend{}, Options{Gatherer: prometheus.NewRegistry(), Auth: a})
	token, err := a.Issue("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "health is open", path: "/healthz", want: http.StatusOK},
		{name: "missing token", path: "/v1/models", want: http.StatusUnauthorized},
		{name: "bad scheme", path: "/v1/models", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/models", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer header", path: "/v1/models", header: "Bearer " + token, want: http.StatusOK},
		{name: "query token", path: "/v1/models?access_token=" + token, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestClaimsInContext(t *testing.T) {
	a := NewTokenAuth(testSecret)
	token, err := a.Issue("bob", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var subject string
	h := RequireToken(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := Claims(r); c != nil {
			subject = c.Subject
		}
	}))
	req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if subject != "bob" {
		t.Errorf("Claims().Subject = %q, want %q", subject, "bob")
	}
}
