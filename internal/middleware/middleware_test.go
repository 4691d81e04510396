package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultgate/vaultgate/internal/auth"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	handler := RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"status":404`)
	assert.Contains(t, out, `"path":"/missing"`)
	assert.Contains(t, out, `"request_id":"req-42"`)
	assert.Contains(t, out, `"level":"warning"`)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "given")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "given", seen)

	assert.Empty(t, GetRequestID(req.Context()))
}

func TestCORS(t *testing.T) {
	t.Run("disabled without origins", func(t *testing.T) {
		handler := CORS(nil)(http.HandlerFunc(okHandler))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed origin", func(t *testing.T) {
		handler := CORS([]string{"https://admin.example.com"})(http.HandlerFunc(okHandler))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://admin.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

type stubVerifier map[string]string

func (s stubVerifier) Verify(token string) (string, error) {
	if sub, ok := s[token]; ok {
		return sub, nil
	}
	return "", errors.New("bad token")
}

func TestActor(t *testing.T) {
	var actor string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name      string
		verifier  stubVerifier
		method    string
		header    string
		wantCode  int
		wantActor string
	}{
		{"no verifier is anonymous", nil, http.MethodPut, "Bearer whatever", http.StatusOK, ""},
		{"valid token", stubVerifier{"good": "alice"}, http.MethodPut, "Bearer good", http.StatusOK, "alice"},
		{"scheme is case insensitive", stubVerifier{"good": "alice"}, http.MethodPut, "bearer good", http.StatusOK, "alice"},
		{"invalid token on write", stubVerifier{"good": "alice"}, http.MethodPut, "Bearer bad", http.StatusUnauthorized, ""},
		{"missing token on write", stubVerifier{"good": "alice"}, http.MethodPut, "", http.StatusUnauthorized, ""},
		{"basic auth on write", stubVerifier{"good": "alice"}, http.MethodPut, "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
		{"invalid token on read", stubVerifier{"good": "alice"}, http.MethodGet, "Bearer bad", http.StatusOK, ""},
		{"missing token on read", stubVerifier{"good": "alice"}, http.MethodGet, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor = ""
			var verifier auth.TokenVerifier
			if tt.verifier != nil {
				verifier = tt.verifier
			}
			handler := Actor(verifier, quietLogger())(capture)

			req := httptest.NewRequest(tt.method, "/api/v1/settings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantActor, actor)
			if tt.wantCode == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}
