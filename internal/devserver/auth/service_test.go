package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("test-secret-key-min-32-bytes-long!")

func testUser() *User {
	return &User{ID: "u-1", Username: "alice", Email: "alice@example.com", IsActive: true}
}

// RED: Test JWT access token generation
func TestGenerateAccessToken(t *testing.T) {
	service := NewAuthService(testSecret)

	tokenString, err := service.GenerateAccessToken(testUser())
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v, want nil", err)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return testSecret, nil
	})
	if err != nil {
		t.Fatalf("jwt.Parse() error = %v, want nil", err)
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["sub"] != "u-1" {
		t.Errorf("claim 'sub' = %v, want u-1", claims["sub"])
	}
	if claims["username"] != "alice" {
		t.Errorf("claim 'username' = %v, want alice", claims["username"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Error("claim 'jti' is empty")
	}

	exp, _ := claims["exp"].(float64)
	expTime := time.Unix(int64(exp), 0)
	if d := time.Until(expTime); d < DefaultTokenTTL-time.Minute || d > DefaultTokenTTL+time.Minute {
		t.Errorf("token expires in %v, want ~%v", d, DefaultTokenTTL)
	}
}

// RED: Each token gets its own id
func TestGenerateAccessToken_UniqueTokenID(t *testing.T) {
	service := NewAuthService(testSecret)
	a, _ := service.GenerateAccessToken(testUser())
	b, _ := service.GenerateAccessToken(testUser())

	ca, err := service.ValidateAccessToken(a)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	cb, err := service.ValidateAccessToken(b)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if ca.TokenID == cb.TokenID {
		t.Error("two tokens share a jti")
	}
}

// RED: Test validating a good token
func TestValidateAccessToken_Valid(t *testing.T) {
	service := NewAuthService(testSecret)
	token, _ := service.GenerateAccessToken(testUser())

	claims, err := service.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v, want nil", err)
	}
	if claims.UserID != "u-1" || claims.Username != "alice" {
		t.Errorf("claims = %+v, want user u-1/alice", claims)
	}
}

// RED: Test expired token rejection
func TestValidateAccessToken_Expired(t *testing.T) {
	service := NewAuthService(testSecret, WithTokenTTL(time.Nanosecond))
	token, _ := service.GenerateAccessToken(testUser())
	time.Sleep(1100 * time.Millisecond)

	if _, err := service.ValidateAccessToken(token); err == nil {
		t.Fatal("ValidateAccessToken() error = nil, want error for expired token")
	}
}

// RED: Test wrong secret rejection
func TestValidateAccessToken_WrongSecret(t *testing.T) {
	token, _ := NewAuthService([]byte("another-secret-key-min-32-bytes-long")).GenerateAccessToken(testUser())

	if _, err := NewAuthService(testSecret).ValidateAccessToken(token); err == nil {
		t.Fatal("ValidateAccessToken() error = nil, want error for wrong secret")
	}
}

// RED: Test signing method confusion
func TestValidateAccessToken_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u-1",
		"jti": "x",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if _, err := NewAuthService(testSecret).ValidateAccessToken(s); err == nil {
		t.Fatal("ValidateAccessToken() accepted an unsigned token")
	}
}

// RED: Logged out tokens stop validating, others do not
func TestRevoke(t *testing.T) {
	service := NewAuthService(testSecret)
	a, _ := service.GenerateAccessToken(testUser())
	b, _ := service.GenerateAccessToken(testUser())

	claims, err := service.ValidateAccessToken(a)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	service.Revoke(claims)

	if _, err := service.ValidateAccessToken(a); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("ValidateAccessToken(revoked) error = %v, want ErrTokenRevoked", err)
	}
	if _, err := service.ValidateAccessToken(b); err != nil {
		t.Errorf("ValidateAccessToken(other) error = %v, want nil", err)
	}
}

func TestHashPassword(t *testing.T) {
	service := NewAuthService(testSecret, WithBcryptCost(bcrypt.MinCost))

	hash, err := service.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "correct horse" {
		t.Fatal("HashPassword() returned the plaintext")
	}
	if err := service.VerifyPassword(hash, "correct horse"); err != nil {
		t.Errorf("VerifyPassword() error = %v, want nil", err)
	}
	if err := service.VerifyPassword(hash, "wrong"); err == nil {
		t.Error("VerifyPassword() error = nil, want mismatch")
	}
}
