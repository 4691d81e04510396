package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/auth"
)

// Actor resolves the bearer token to an operator name and stores it in the
// request context. With a nil verifier every request is anonymous. With a
// verifier, write requests need a valid token; reads accept any or none.
func Actor(verifier auth.TokenVerifier, logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			write := !isReadOnly(r.Method)
			token, ok := bearerToken(r)
			if !ok {
				if write {
					unauthorized(w, "missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": GetRequestID(r.Context()),
				}).Warn("Rejected bearer token")
				if write {
					unauthorized(w, err.Error())
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, subject)))
		})
	}
}

// GetActor returns the authenticated operator, or "" for anonymous requests
func GetActor(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="vaultgate"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
