package mw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OrderCtxKey holds the order id proven by a valid subscription token.
const OrderCtxKey contextKey = "order_id"

const SubscriptionTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid subscription token")

type subscriptionClaims struct {
	OrderID string `json:"order_id"`
	jwt.RegisteredClaims
}

// IssueSubscriptionToken signs a token allowing its holder to watch orderID.
func IssueSubscriptionToken(secret, orderID string, now time.Time) (string, error) {
	claims := subscriptionClaims{
		OrderID: orderID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SubscriptionTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign subscription token: %w", err)
	}
	return signed, nil
}

func ParseSubscriptionToken(secret, tokenString string) (string, error) {
	var claims subscriptionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.OrderID == "" {
		return "", fmt.Errorf("%w: order_id not found in token", ErrInvalidToken)
	}
	return claims.OrderID, nil
}

// SubscriptionAuth verifies the token query parameter when present and puts
// the order id it grants into the request context. Rejection is left to the
// handler, which has to upgrade before it can close with a reason.
func SubscriptionAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}
			orderID, err := ParseSubscriptionToken(secret, tokenString)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), OrderCtxKey, orderID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
