package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/playground/internal/store"
)

const (
	DefaultTokenTTL          = 24 * time.Hour
	DefaultRateLimitAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	tokenIssuer              = "devops-playground"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserInactive       = errors.New("user is inactive")
)

// Store is the persistence the auth service needs.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateSession(ctx context.Context, s store.Session) error
	GetSession(ctx context.Context, id string) (store.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type Config struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`

	// Login and register attempts allowed per client address within
	// RateLimitWindow. Zero disables the limit.
	RateLimitAttempts int           `mapstructure:"rate_limit_attempts"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// Claims are the JWT claims of a session token. The registered ID (jti)
// names the backing session row.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Token is an issued session credential.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Principal is the identity behind a validated token.
type Principal struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	SessionID string `json:"-"`
}

// Service issues and validates session tokens. A token is valid only while
// its signature verifies, its session row exists and has not expired, and
// its user is active.
type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

func NewService(cfg Config, st Store) (*Service, error) {
	if st == nil {
		return nil, errors.New("auth store is required")
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// tokens do not survive a restart without a configured secret
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: st, secret: secret, ttl: ttl, cost: cost, now: time.Now}, nil
}

func (s *Service) TokenTTL() time.Duration { return s.ttl }

// Issue creates a session for an existing active user and returns its token.
func (s *Service) Issue(ctx context.Context, userID string) (Token, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Token{}, fmt.Errorf("%w: unknown user %s", ErrInvalidCredentials, userID)
		}
		return Token{}, fmt.Errorf("failed to get user: %w", err)
	}
	if !u.Active {
		return Token{}, ErrUserInactive
	}
	return s.issue(ctx, u)
}

// Login checks a username and password and issues a token on success.
func (s *Service) Login(ctx context.Context, username, password string) (Token, store.User, error) {
	if username == "" || password == "" {
		return Token{}, store.User{}, ErrInvalidCredentials
	}
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Token{}, store.User{}, ErrInvalidCredentials
		}
		return Token{}, store.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Token{}, store.User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return Token{}, store.User{}, ErrUserInactive
	}
	tok, err := s.issue(ctx, u)
	if err != nil {
		return Token{}, store.User{}, err
	}
	u.PasswordHash = ""
	return tok, u, nil
}

func (s *Service) issue(ctx context.Context, u store.User) (Token, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	if err := s.store.CreateSession(ctx, store.Session{
		ID: claims.ID, UserID: u.ID, CreatedAt: now, ExpiresAt: expiresAt,
	}); err != nil {
		return Token{}, fmt.Errorf("failed to store session: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

func (s *Service) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates token against its signature, its session row and
// the user's state.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Principal{}, err
	}
	sess, err := s.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.UserID != claims.UserID {
		return Principal{}, ErrInvalidToken
	}
	if !s.now().Before(sess.ExpiresAt) {
		return Principal{}, ErrSessionExpired
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("failed to get user: %w", err)
	}
	if !u.Active {
		return Principal{}, ErrUserInactive
	}
	return Principal{UserID: u.ID, Username: u.Username, SessionID: sess.ID}, nil
}

// Revoke deletes the session behind token. Expired tokens can be revoked.
func (s *Service) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}
	return s.store.DeleteSession(ctx, claims.ID)
}

// CreateUser stores a new active user with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("failed to hash password: %w", err)
	}
	u := store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return store.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	u.PasswordHash = ""
	return u, nil
}
