// Package auth authenticates operators and issues access tokens. Every login
// outcome is recorded as a login attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
)

// Common errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLockedOut          = errors.New("locked out")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidConfig      = errors.New("invalid auth configuration")
)

// User is a configured operator account.
type User struct {
	Username     string   `yaml:"username"`
	UserID       string   `yaml:"user_id"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt
	Roles        []string `yaml:"roles"`
	Disabled     bool     `yaml:"disabled"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return hasRole(u.Roles, role)
}

// Config holds authentication settings.
type Config struct {
	Issuer        string        `yaml:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	Users         []User        `yaml:"users"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:        "etbguard",
		TokenTTL:      8 * time.Hour,
		SigningKeyEnv: "ETBGUARD_JWT_KEY",
	}
}

// AttemptRecorder stores login attempts and runs detection on them.
type AttemptRecorder interface {
	RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error
}

// LoginRequest is a credential check.
type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResult is returned on success.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
}

// Claims are the access token claims.
type Claims struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	return hasRole(c.Roles, role)
}

// Service checks credentials and issues HS256 tokens.
type Service struct {
	config    Config
	key       []byte
	users     map[string]User
	dummyHash []byte
	lockouts  lockout.Manager
	recorder  AttemptRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the auth service. key signs tokens and must be at least
// 32 bytes.
func NewService(cfg Config, key []byte, lockouts lockout.Manager, recorder AttemptRecorder, logger *zap.Logger) (*Service, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("%w: signing key must be at least 32 bytes", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}

	cost := bcrypt.DefaultCost
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		name := normalize(u.Username)
		if name == "" {
			return nil, fmt.Errorf("%w: user without username", ErrInvalidConfig)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("%w: duplicate user %q", ErrInvalidConfig, u.Username)
		}
		c, err := bcrypt.Cost([]byte(u.PasswordHash))
		if err != nil {
			return nil, fmt.Errorf("%w: user %q: password_hash is not a bcrypt hash", ErrInvalidConfig, u.Username)
		}
		cost = c
		if u.UserID == "" {
			u.UserID = u.Username
		}
		users[name] = u
	}

	// Unknown users are checked against this hash so they take as long as known ones.
	dummy, err := bcrypt.GenerateFromPassword([]byte("etbguard-unknown-user"), cost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	return &Service{
		config:    cfg,
		key:       key,
		users:     users,
		dummyHash: dummy,
		lockouts:  lockouts,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// HashPassword returns a bcrypt hash suitable for the users config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login checks credentials in order: blocked IP, locked account, unknown user,
// disabled user, password. Every outcome is recorded.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	attempt := &models.LoginAttempt{
		Username:  strings.TrimSpace(req.Username),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Timestamp: s.now().UTC(),
	}

	if blocked, err := s.lockouts.IsIPBlocked(ctx, req.IPAddress); err != nil {
		return nil, fmt.Errorf("checking ip block: %w", err)
	} else if blocked {
		return nil, s.fail(ctx, attempt, models.ReasonIPBlocked, ErrLockedOut)
	}
	if locked, err := s.lockouts.IsAccountLocked(ctx, attempt.Username); err != nil {
		return nil, fmt.Errorf("checking account lock: %w", err)
	} else if locked {
		return nil, s.fail(ctx, attempt, models.ReasonAccountLocked, ErrLockedOut)
	}

	user, ok := s.users[normalize(attempt.Username)]
	if !ok {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, s.fail(ctx, attempt, models.ReasonUnknownUser, ErrInvalidCredentials)
	}
	attempt.UserID = user.UserID

	passwordOK := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) == nil
	if user.Disabled {
		return nil, s.fail(ctx, attempt, models.ReasonDisabled, ErrInvalidCredentials)
	}
	if !passwordOK {
		return nil, s.fail(ctx, attempt, models.ReasonInvalidPassword, ErrInvalidCredentials)
	}

	attempt.Success = true
	if err := s.recorder.RecordLoginAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("recording login attempt: %w", err)
	}

	token, exp, err := s.IssueToken(&user)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Operator logged in",
		zap.String("username", user.Username),
		zap.String("ip_address", req.IPAddress),
	)
	return &LoginResult{
		Token:     token,
		ExpiresAt: exp,
		UserID:    user.UserID,
		Username:  user.Username,
		Roles:     append([]string(nil), user.Roles...),
	}, nil
}

func (s *Service) fail(ctx context.Context, attempt *models.LoginAttempt, reason string, result error) error {
	attempt.FailureReason = reason
	if err := s.recorder.RecordLoginAttempt(ctx, attempt); err != nil {
		s.logger.Error("Failed to record login attempt",
			zap.String("username", attempt.Username),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	return result
}

// IssueToken signs an access token for user.
func (s *Service) IssueToken(user *User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.config.TokenTTL)
	claims := Claims{
		Name:  user.Username,
		Roles: append([]string(nil), user.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken validates a token and returns its claims.
func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
