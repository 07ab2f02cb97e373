package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/jwt"
)

// TokenVerifier is satisfied by *finauth.Engine.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*jwt.Claims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by Guard.
func ClaimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*jwt.Claims)
	return claims, ok
}

// Guard rejects requests without a valid access token.
func Guard(verifier TokenVerifier) func(http.Handler) http.Handler {
	return guard(verifier, "")
}

// RequirePermission is Guard plus a check that the token carries perm.
func RequirePermission(verifier TokenVerifier, perm string) func(http.Handler) http.Handler {
	return guard(verifier, perm)
}

func guard(verifier TokenVerifier, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				reject(w, http.StatusServiceUnavailable, finauth.KindInternalStoreFailure)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				reject(w, http.StatusUnauthorized, finauth.KindTokenMalformed)
				return
			}

			claims, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				kind := finauth.KindOf(err)
				status := statusFor(kind)
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				}
				reject(w, status, kind)
				return
			}
			if perm != "" && !slices.Contains(claims.Permissions, perm) {
				reject(w, http.StatusForbidden, "forbidden")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func statusFor(kind finauth.ErrorKind) int {
	switch kind {
	case finauth.KindInternalStoreFailure:
		return http.StatusServiceUnavailable
	case finauth.KindUntrustedDeviceBlocked:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func reject(w http.ResponseWriter, status int, kind finauth.ErrorKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind)})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

// ClientContext attaches the remote IP and User-Agent to the request
// context. Forwarding headers are not trusted; put a proxy-aware handler in
// front when running behind one.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := finauth.WithClientIP(r.Context(), ip)
		ctx = finauth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
