package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRead  = "records:read"
	ScopeWrite = "records:write"

	DefaultAudience = "relaysync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the token body accepted by the Store server.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes"`
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    time.Time
}

// MintToken signs an HS256 token for userID. Clients and tests use it with a
// shared secret.
func MintToken(secret, audience, userID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	if audience == "" {
		audience = DefaultAudience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Scopes: scopes,
	})
	return token.SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if audience == "" {
		audience = DefaultAudience
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	default:
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing user_id claim"}
	}
	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	out := tokenClaims{UserID: userID, Scopes: scopes}
	if claims.ExpiresAt != nil {
		out.Exp = claims.ExpiresAt.Time
	}
	return out, nil
}

func parseScopes(raw []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, item := range raw {
		for _, scope := range strings.Fields(item) {
			out[scope] = struct{}{}
		}
	}
	return out
}
