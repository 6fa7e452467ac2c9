package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type attemptLog struct {
	mu       sync.Mutex
	attempts []models.LoginAttempt
	err      error
}

func (l *attemptLog) RecordLoginAttempt(_ context.Context, a *models.LoginAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *a)
	return l.err
}

func (l *attemptLog) last(t *testing.T) models.LoginAttempt {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attempts) == 0 {
		t.Fatal("no attempt recorded")
	}
	return l.attempts[len(l.attempts)-1]
}

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func newTestService(t *testing.T) (*Service, *lockout.Memory, *attemptLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Users = []User{
		{Username: "Disponent", UserID: "u-1", PasswordHash: hash(t, "correct horse"), Roles: []string{"operator"}},
		{Username: "admin", UserID: "u-2", PasswordHash: hash(t, "admin pw"), Roles: []string{"operator", "admin"}},
		{Username: "retired", UserID: "u-3", PasswordHash: hash(t, "old pw"), Disabled: true},
	}
	locks := lockout.NewMemory()
	rec := &attemptLog{}
	svc, err := NewService(cfg, testKey, locks, rec, zap.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, locks, rec
}

// ============================================================================
// Configuration Tests
// ============================================================================

func TestNewService_RejectsShortKey(t *testing.T) {
	_, err := NewService(DefaultConfig(), []byte("short"), lockout.NewMemory(), &attemptLog{}, zap.NewNop())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewService_RejectsBadUsers(t *testing.T) {
	tests := []struct {
		name  string
		users []User
	}{
		{"missing username", []User{{PasswordHash: hash(t, "x")}}},
		{"plaintext password", []User{{Username: "a", PasswordHash: "secret"}}},
		{"duplicate", []User{
			{Username: "a", PasswordHash: hash(t, "x")},
			{Username: "A", PasswordHash: hash(t, "y")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Users = tt.users
			_, err := NewService(cfg, testKey, lockout.NewMemory(), &attemptLog{}, zap.NewNop())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")) != nil {
		t.Error("hash does not verify")
	}
}

// ============================================================================
// Login Tests
// ============================================================================

func TestLogin_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
		reason   string
	}{
		{"success", "Disponent", "correct horse", nil, ""},
		{"case folded username", "disponent", "correct horse", nil, ""},
		{"wrong password", "Disponent", "wrong", ErrInvalidCredentials, models.ReasonInvalidPassword},
		{"unknown user", "ghost", "whatever", ErrInvalidCredentials, models.ReasonUnknownUser},
		{"disabled user", "retired", "old pw", ErrInvalidCredentials, models.ReasonDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, rec := newTestService(t)
			res, err := svc.Login(context.Background(), LoginRequest{
				Username:  tt.username,
				Password:  tt.password,
				IPAddress: "203.0.113.7",
				UserAgent: "test",
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			a := rec.last(t)
			if a.FailureReason != tt.reason {
				t.Errorf("reason = %q, want %q", a.FailureReason, tt.reason)
			}
			if a.IPAddress != "203.0.113.7" || a.UserAgent != "test" {
				t.Errorf("attempt lost request metadata: %+v", a)
			}
			if tt.wantErr == nil {
				if !a.Success || res == nil || res.Token == "" {
					t.Fatalf("expected token and successful attempt, got %+v / %+v", res, a)
				}
				if res.UserID != "u-1" {
					t.Errorf("UserID = %q", res.UserID)
				}
			} else if a.Success {
				t.Error("failed login recorded as success")
			}
		})
	}
}

func TestLogin_BlockedIPCheckedFirst(t *testing.T) {
	svc, locks, rec := newTestService(t)
	ctx := context.Background()
	locks.BlockIP(ctx, "203.0.113.7", "test", time.Hour)
	locks.LockAccount(ctx, "disponent", "test", time.Hour)

	_, err := svc.Login(ctx, LoginRequest{Username: "Disponent", Password: "correct horse", IPAddress: "203.0.113.7"})
	if !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected ErrLockedOut, got %v", err)
	}
	if got := rec.last(t).FailureReason; got != models.ReasonIPBlocked {
		t.Errorf("reason = %q, want ip_blocked", got)
	}
}

func TestLogin_LockedAccount(t *testing.T) {
	svc, locks, rec := newTestService(t)
	ctx := context.Background()
	locks.LockAccount(ctx, "DISPONENT", "test", time.Hour)

	_, err := svc.Login(ctx, LoginRequest{Username: "Disponent", Password: "correct horse", IPAddress: "198.51.100.1"})
	if !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected ErrLockedOut, got %v", err)
	}
	a := rec.last(t)
	if a.FailureReason != models.ReasonAccountLocked || !a.Blocked() {
		t.Errorf("unexpected attempt %+v", a)
	}
}

func TestLogin_RecordFailureFailsSuccessfulLogin(t *testing.T) {
	svc, _, rec := newTestService(t)
	rec.err = errors.New("store down")

	if _, err := svc.Login(context.Background(), LoginRequest{Username: "Disponent", Password: "correct horse"}); err == nil {
		t.Fatal("expected error when the attempt cannot be recorded")
	}
	// Failures still report the credential error.
	_, err := svc.Login(context.Background(), LoginRequest{Username: "Disponent", Password: "nope"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

// ============================================================================
// Token Tests
// ============================================================================

func TestParseToken_RoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.Login(context.Background(), LoginRequest{Username: "admin", Password: "admin pw"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.ParseToken(res.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "u-2" || claims.Name != "admin" || claims.Issuer != "etbguard" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if !claims.HasRole("admin") || claims.HasRole("root") {
		t.Errorf("roles = %v", claims.Roles)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := &User{Username: "admin", UserID: "u-2"}

	expiredSvc := *svc
	expiredSvc.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	expired, _, _ := expiredSvc.IssueToken(user)

	other := *svc
	other.key = []byte("ffffffffffffffffffffffffffffffff")
	wrongKey, _, _ := other.IssueToken(user)

	issuer := *svc
	issuer.config.Issuer = "someone-else"
	wrongIssuer, _, _ := issuer.IssueToken(user)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Name: "admin"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"garbage":      "not.a.token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.ParseToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

// ============================================================================
// Middleware Tests
// ============================================================================

func TestMiddleware(t *testing.T) {
	svc, _, _ := newTestService(t)
	operator, _, _ := svc.IssueToken(&User{Username: "Disponent", UserID: "u-1", Roles: []string{"operator"}})
	admin, _, _ := svc.IssueToken(&User{Username: "admin", UserID: "u-2", Roles: []string{"admin"}})

	var seenActor string
	handler := svc.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenActor = Actor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"missing role", "Bearer " + operator, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
		{"lowercase scheme", "bearer " + admin, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK && !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
	if seenActor != "u-2" {
		t.Errorf("actor = %q, want u-2", seenActor)
	}
}

func TestActor_Anonymous(t *testing.T) {
	if got := Actor(context.Background()); got != "anonymous" {
		t.Errorf("Actor = %q", got)
	}
}
