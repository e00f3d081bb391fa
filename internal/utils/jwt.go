package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "fulfillment"

type customerClaims struct {
	CustomerID string `json:"customer_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs a customer token valid for ttl.
func GenerateToken(secret string, customerID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &customerClaims{
		CustomerID: customerID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   customerID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates the token and returns the customer ID it carries.
func ParseToken(secret, tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &customerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return uuid.Nil, err
	}

	if claims, ok := token.Claims.(*customerClaims); ok && token.Valid {
		return uuid.Parse(claims.CustomerID)
	}

	return uuid.Nil, jwt.ErrTokenInvalidClaims
}
