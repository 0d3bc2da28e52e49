package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ashmerge/credflow"
)

type accessResultContextKey struct{}

// AccessFromContext returns the validated access result stored by [Guard].
func AccessFromContext(ctx context.Context) (*credflow.AccessResult, bool) {
	res, ok := ctx.Value(accessResultContextKey{}).(*credflow.AccessResult)
	return res, ok
}

// Guard rejects requests without a valid bearer access token. On success
// the access result is available downstream via [AccessFromContext].
func Guard(engine *credflow.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accessResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireVerified is Guard plus the account trust check: requests from
// accounts that have not completed email confirmation get a 403.
func RequireVerified(engine *credflow.Engine) func(http.Handler) http.Handler {
	guard := Guard(engine)
	return func(next http.Handler) http.Handler {
		return guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AccessFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			verified, err := engine.IsVerified(r.Context(), res.UserID)
			if err != nil {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			if !verified {
				http.Error(w, "verification required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}))
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
