package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quote-composer/internal/common"
)

type namePayload struct {
	Name string `json:"name"`
}

func decodingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p namePayload
		if err := common.DecodeJSON(r, &p); err != nil {
			common.WriteError(w, err)
			return
		}
		common.Data(w, http.StatusOK, p)
	})
}

func TestBodyLimitAllowsWithinLimit(t *testing.T) {
	handler := BodyLimit{Max: 64}.Middleware(decodingHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/options", strings.NewReader(`{"name":"air"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"data":{"name":"air"}}`, rr.Body.String())
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	handler := BodyLimit{Max: 5}.Middleware(decodingHandler())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/options", strings.NewReader(`{"name":"ocean"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Contains(t, rr.Body.String(), "PAYLOAD_TOO_LARGE")
}

func TestBodyLimitRejectsStreamedBody(t *testing.T) {
	handler := BodyLimit{Max: 5}.Middleware(decodingHandler())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/options", strings.NewReader(`{"name":"ocean"}`))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestBodyLimitAboveOneMebibyte(t *testing.T) {
	name := strings.Repeat("a", 1<<20+512)
	body := `{"name":"` + name + `"}`
	handler := BodyLimit{Max: 2 << 20}.Middleware(decodingHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/options", strings.NewReader(body))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), name)

	handler = BodyLimit{Max: 1 << 20}.Middleware(decodingHandler())
	req = httptest.NewRequest(http.MethodPost, "/api/v1/options", strings.NewReader(body))
	req.ContentLength = -1
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHeadersMiddleware(t *testing.T) {
	handler := Headers{Enable: true, EnableHSTS: true}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "https://quotes.example.com/api/v1/options/x", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Equal(t, "max-age=31536000; includeSubDomains", rr.Header().Get("Strict-Transport-Security"))

	rr = httptest.NewRecorder()
	Headers{}.Middleware(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, rr.Header().Get("X-Content-Type-Options"))
}
