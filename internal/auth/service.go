package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgeq/forgeq-go/internal/config"
)

// Claims are the JWT claims carried by ops-API tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// LoginRequest is the ops-API login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Service authenticates the single configured admin account and issues JWTs
// for the ops API.
type Service struct {
	cfg *config.Config
}

// NewService creates an auth service from config.
func NewService(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// Login verifies the admin credentials and returns a signed token.
func (s *Service) Login(req *LoginRequest) (*LoginResponse, error) {
	if s.cfg.AdminPasswordHash == "" {
		return nil, errors.New("admin login is not configured")
	}
	if req.Username != s.cfg.AdminUser {
		return nil, errors.New("invalid credentials")
	}
	if err := CheckPassword(s.cfg.AdminPasswordHash, req.Password); err != nil {
		return nil, errors.New("invalid credentials")
	}

	now := time.Now()
	claims := Claims{
		Username: req.Username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiration)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.JWTExpiration.Seconds()),
	}, nil
}

// ValidateToken parses and verifies an ops-API token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
