package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of an access token.
const DefaultTokenTTL = time.Hour

// ErrTokenRevoked is returned for a token that was logged out.
var ErrTokenRevoked = errors.New("token has been revoked")

// AuthService issues and checks access tokens and password hashes.
type AuthService struct {
	secretKey  []byte
	ttl        time.Duration
	bcryptCost int

	mu      sync.Mutex
	revoked map[string]time.Time
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(s *AuthService) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBcryptCost sets the password hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *AuthService) {
		s.bcryptCost = cost
	}
}

// NewAuthService creates a new AuthService
func NewAuthService(secretKey []byte, opts ...Option) *AuthService {
	s := &AuthService{
		secretKey:  secretKey,
		ttl:        DefaultTokenTTL,
		bcryptCost: 12,
		revoked:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenTTL returns the access token lifetime.
func (s *AuthService) TokenTTL() time.Duration {
	return s.ttl
}

// GenerateAccessToken generates a JWT access token for a user. Every token
// carries a unique jti so that it can be revoked on its own.
func (s *AuthService) GenerateAccessToken(user *User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      user.ID,
		"username": user.Username,
		"jti":      uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateAccessToken validates a JWT access token and returns the claims
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secretKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	claimsMap, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}
	sub, _ := claimsMap["sub"].(string)
	jti, _ := claimsMap["jti"].(string)
	username, _ := claimsMap["username"].(string)
	if sub == "" || jti == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	exp, err := claimsMap.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, jwt.ErrTokenInvalidClaims
	}

	if s.isRevoked(jti) {
		return nil, ErrTokenRevoked
	}

	return &Claims{
		UserID:    sub,
		Username:  username,
		TokenID:   jti,
		ExpiresAt: exp.Time,
	}, nil
}

// Revoke rejects the token from now on. Entries are dropped once the token
// would have expired anyway.
func (s *AuthService) Revoke(c *Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[c.TokenID] = c.ExpiresAt
}

func (s *AuthService) isRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok
}

// HashPassword hashes a password using bcrypt
func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyPassword checks if a password matches the hash
func (s *AuthService) VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
