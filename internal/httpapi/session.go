package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "auth_claims"

// SessionClaims is the JWT payload carried by the session cookie or an
// Authorization bearer token.
type SessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// SessionValidator parses and verifies session tokens.
type SessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// NewSessionValidator wires a SessionValidator.
func NewSessionValidator(signingKey []byte, issuer string, cookieName string) (*SessionValidator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("httpapi: session signing key is required")
	}
	if issuer == "" || cookieName == "" {
		return nil, fmt.Errorf("httpapi: session issuer and cookie name are required")
	}
	return &SessionValidator{signingKey: signingKey, issuer: issuer, cookieName: cookieName}, nil
}

// Parse validates a raw token and returns its claims.
func (validator *SessionValidator) Parse(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return validator.signingKey, nil
	}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}

// Sign issues a session token; used by the session endpoint and by tests.
func (validator *SessionValidator) Sign(userID string, email string, name string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    validator.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(validator.signingKey)
}

// Middleware attaches session claims to the request context. With required
// set, requests without a valid session are rejected; otherwise they proceed
// anonymously.
func (validator *SessionValidator) Middleware(required bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw := validator.extractToken(ctx)
		if raw == "" {
			if required {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
				return
			}
			ctx.Next()
			return
		}
		claims, err := validator.Parse(raw)
		if err != nil {
			if required {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
				return
			}
			ctx.Next()
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func (validator *SessionValidator) extractToken(ctx *gin.Context) string {
	if cookie, err := ctx.Cookie(validator.cookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimPrefix(authorization, "Bearer ")
	}
	return ""
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
