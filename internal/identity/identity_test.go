package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"01HZX3Q4T9S8M2V7K6J5N4B3C2": "01HZX3Q4T9S8M2V7K6J5N4B3C2",
		"  abc-123  ":                "abc-123",
		"":                           "",
		"../../etc/passwd":           "",
		"has space":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeSessionID(in), "input %q", in)
	}
}

func TestMiddlewareIssuesVisitorCookie(t *testing.T) {
	t.Parallel()

	var gotVisitor, gotSession string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotVisitor = VisitorIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/chat?session_id=sess-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, isValidVisitorID(gotVisitor))
	assert.Equal(t, "sess-1", gotSession)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, VisitorCookieName, cookies[0].Name)
	assert.Equal(t, gotVisitor, cookies[0].Value)

	// The cookie is reused on the next request and the header wins over the query.
	req = httptest.NewRequest(http.MethodPost, "/chat?session_id=ignored", nil)
	req.AddCookie(cookies[0])
	req.Header.Set(SessionHeaderName, "sess-2")
	first := gotVisitor
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, first, gotVisitor)
	assert.Equal(t, "sess-2", gotSession)
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "ip:203.0.113.7", ClientKey(req))

	var key string
	Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		key = ClientKey(r)
	})).ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, isValidVisitorID(key))
}
