// Package auth verifies the identity tokens that bind a connection to
// a user. Token issuance belongs to the external auth system; this
// core only needs to validate tokens minted with the shared secret.
// GenerateToken is kept for tests and local tooling.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/normalize"
)

// JWTManager signs and validates JWT tokens used by the API.
type JWTManager struct {
	secretKey string
	duration  time.Duration
}

// Claims is the custom JWT payload (canonical user id + username).
type Claims struct {
	UserID               string `json:"user_id"` // ObjectID in hex form
	Username             string `json:"username"`
	jwt.RegisteredClaims        // Includes ExpiresAt, IssuedAt, etc.
}

// SubjectID returns the claim's user id parsed into its canonical type.
func (c *Claims) SubjectID() (bson.ObjectID, error) {
	return bson.ObjectIDFromHex(c.UserID)
}

// NewJWTManager returns a configured JWTManager.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{secretKey: secretKey, duration: duration}
}

// GenerateToken issues a signed JWT token for a user.
func (m *JWTManager) GenerateToken(userID bson.ObjectID, username string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.duration)

	claims := &Claims{
		UserID:   userID.Hex(),
		Username: normalize.Username(username),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Ensure the token was signed with HMAC, not an asymmetric key.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	// Reject tokens whose subject is not a well-formed user id so the
	// canonical-id guarantee holds everywhere past this boundary.
	if _, err := claims.SubjectID(); err != nil {
		return nil, fmt.Errorf("malformed user id in token: %w", err)
	}

	return claims, nil
}
