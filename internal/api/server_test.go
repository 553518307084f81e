package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil/backend/internal/core"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeUsers struct{ err error }

func (f fakeUsers) GetOrCreateUser(ctx context.Context, email string) (*core.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &core.User{ID: "usr_bootstrap", Email: email}, nil
}

func newTestServer(storeErr, cooldownErr error) *Server {
	return NewServer(":0", nil, fakeUsers{}, fakePinger{storeErr}, fakePinger{cooldownErr}, StatusInfo{
		SampleBackend:   "simulator",
		EmailConfigured: true,
	})
}

func TestHealthAlwaysOK(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsBackends(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = newTestServer(nil, errors.New("redis down"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")

	srv = newTestServer(errors.New("pg down"), nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusIsNonSensitive(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"sample_backend":"simulator"`)
	assert.Contains(t, body, `"email_configured":true`)
}

func TestIdentityMiddleware_BootstrapsFromEmail(t *testing.T) {
	srv := newTestServer(nil, nil)

	var gotUserID string
	h := srv.identityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = r.Context().Value(userIDKey).(string)
	}))

	req := httptest.NewRequest("POST", "/api/v1/tools/list_monitors", strings.NewReader("{}"))
	req.Header.Set("X-User-Email", "new@user.dev")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usr_bootstrap", gotUserID)

	// Explicit X-User-ID wins over the email header.
	req = httptest.NewRequest("POST", "/api/v1/tools/list_monitors", strings.NewReader("{}"))
	req.Header.Set("X-User-ID", "usr_existing")
	req.Header.Set("X-User-Email", "new@user.dev")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "usr_existing", gotUserID)
}

func TestToolRouteRequiresIdentity(t *testing.T) {
	srv := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/tools/list_monitors", strings.NewReader("{}"))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")
}
