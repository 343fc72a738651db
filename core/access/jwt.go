package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/basin-tech/basin/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC signing secret shared with the token issuer.
	Secret string
}

// claims are the token claims the middleware understands. Token issuance
// itself happens outside this core.
type claims struct {
	Collection string `json:"collection,omitempty"`
	Admin      bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware that resolves "Authorization:
// Bearer" tokens into a Principal on the request context. Requests without
// a token pass through anonymously; requests with an invalid token are
// rejected.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(jmb.Secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()) != nil { // already resolved
				h.ServeHTTP(w, r)
				return
			}

			bearer := r.Header.Get("Authorization")
			if len(bearer) < 8 || !strings.EqualFold(bearer[:7], "bearer ") {
				h.ServeHTTP(w, r) // anonymous
				return
			}

			tokenClaims := claims{}
			token, err := jwt.ParseWithClaims(bearer[7:], &tokenClaims, keyFunc)
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).WithError(err).Warn("rejected bearer token")
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			principal := &Principal{
				ID:         tokenClaims.Subject,
				Collection: tokenClaims.Collection,
				Admin:      tokenClaims.Admin,
			}
			ctx := principal.ContextWithPrincipal(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
