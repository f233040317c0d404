package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/user/minibroker/backend/internal/models"
)

// Claims defines the structure of the JWT payload.
type Claims struct {
	UserID    uuid.UUID        `json:"user_id"`
	Email     string           `json:"email"`
	KYCStatus models.KYCStatus `json:"kyc_status"`
	jwt.RegisteredClaims
}

// Manager signs and validates access tokens with an HMAC secret.
type Manager struct {
	secret []byte
}

// NewManager builds a token manager. An empty secret falls back to the
// JWT_SECRET environment variable and then to an insecure local default.
func NewManager(secret string) *Manager {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		fmt.Println("WARNING: JWT secret not configured. Using default insecure secret.")
		secret = "!!REPLACE_THIS_WITH_A_STRONG_SECRET_KEY!!"
	}
	return &Manager{secret: []byte(secret)}
}

// Generate creates a new JWT for the given user.
func (m *Manager) Generate(user *models.User) (string, error) {
	// Token expires in 24 hours
	expirationTime := time.Now().Add(24 * time.Hour)

	claims := &Claims{
		UserID:    user.ID,
		Email:     user.Email,
		KYCStatus: user.KYCStatus,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "minibroker",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses a JWT string and returns the claims if valid.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Ensure the signing method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err // Handles expiration, invalid signature, etc.
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
