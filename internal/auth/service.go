package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"securechat/internal/config"
	"securechat/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the verified identity of a connection.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service verifies identity tokens. Issuing tokens exists for the CLI and
// tests; account login lives outside this server.
type Service struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

func NewService(cfg config.JWTConfig) *Service {
	return &Service{
		secret:    cfg.Secret,
		expiresIn: cfg.ExpiresIn,
		now:       time.Now,
	}
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", models.ErrAuth)
	}
	return claims, nil
}

// IdentityFromToken returns the identity a valid token was issued to.
func (s *Service) IdentityFromToken(tokenString string) (string, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	identity := claims.Username
	if identity == "" {
		identity = claims.Subject
	}
	if err := models.ValidateIdentity(identity); err != nil {
		return "", fmt.Errorf("%w: invalid identity in token", models.ErrAuth)
	}
	return identity, nil
}

// IdentityFromRequest reads the token from ?token= or an Authorization bearer header.
func (s *Service) IdentityFromRequest(r *http.Request) (string, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrAuth)
	}
	return s.IdentityFromToken(tokenStr)
}

func (s *Service) IssueToken(identity string) (string, error) {
	if err := models.ValidateIdentity(identity); err != nil {
		return "", err
	}

	now := s.now()
	claims := Claims{
		Username: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
