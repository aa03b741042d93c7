package patron

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

func newTestService(t *testing.T) (*service, *MemoryDirectory) {
	t.Helper()
	dir := NewMemoryDirectory()
	svc := NewService(dir, zaptest.NewLogger(t).Sugar()).(*service)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc, dir
}

func validPatron(pid string) Patron {
	return Patron{
		PID:             pid,
		Name:            "Ada Lovelace",
		Email:           "ada@example.org",
		OrganisationPID: "org-1",
		LibraryPID:      "lib-a",
		PatronTypePID:   "adult",
	}
}

func TestService_RegisterPatron(t *testing.T) {
	ctx := context.Background()
	svc, dir := newTestService(t)

	p, err := svc.RegisterPatron(ctx, validPatron("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, svc.now(), p.UpdatedAt)

	stored, err := dir.GetPatron(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", stored.Name)

	_, err = svc.RegisterPatron(ctx, validPatron("p1"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	bad := validPatron("p2")
	bad.Email = "not-an-email"
	_, err = svc.RegisterPatron(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidPatron)

	bad = validPatron("p3")
	bad.PatronTypePID = ""
	_, err = svc.RegisterPatron(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidPatron)
}

func TestService_RegisterPatronRateLimited(t *testing.T) {
	svc, _ := newTestService(t)
	svc.rateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	_, err := svc.RegisterPatron(context.Background(), validPatron("p1"))
	require.NoError(t, err)
	_, err = svc.RegisterPatron(context.Background(), validPatron("p2"))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestService_SetBlocked(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.RegisterPatron(ctx, validPatron("p1"))
	require.NoError(t, err)

	p, err := svc.SetBlocked(ctx, "p1", true, "unpaid fees")
	require.NoError(t, err)
	assert.True(t, p.IsBlocked)
	assert.Equal(t, "unpaid fees", p.BlockedNote)
	assert.Equal(t, 2, p.Version)

	p, err = svc.SetBlocked(ctx, "p1", false, "ignored")
	require.NoError(t, err)
	assert.False(t, p.IsBlocked)
	assert.Empty(t, p.BlockedNote)
	assert.Equal(t, 3, p.Version)

	_, err = svc.SetBlocked(ctx, "nope", true, "")
	assert.ErrorIs(t, err, ErrPatronNotFound)
}

func TestMemoryDirectory_UpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	p := validPatron("p1")
	require.NoError(t, dir.CreatePatron(ctx, &p))

	stale := p
	p.Name = "Ada King"
	require.NoError(t, dir.UpdatePatron(ctx, &p, 1))
	assert.ErrorIs(t, dir.UpdatePatron(ctx, &stale, 1), ErrVersionConflict)
	missing := validPatron("p9")
	assert.ErrorIs(t, dir.UpdatePatron(ctx, &missing, 1), ErrPatronNotFound)
}

func TestHandler_Patrons(t *testing.T) {
	svc, _ := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc).Routes(r, func(next http.Handler) http.Handler { return next })

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/patrons/", `{"pid":"p1","name":"Ada","organisation_pid":"org-1","library_pid":"lib-a","patron_type_pid":"adult"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodPost, "/patrons/", `{"pid":"p1","name":"Ada","organisation_pid":"org-1","library_pid":"lib-a","patron_type_pid":"adult"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(http.MethodPost, "/patrons/", `{"pid":"p2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(http.MethodPost, "/patrons/", `{"pid":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPut, "/patrons/p1/blocked", `{"blocked":true,"note":"lost card"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var p Patron
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.IsBlocked)

	w = do(http.MethodGet, "/patrons/p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"blocked_note":"lost card"`)
	w = do(http.MethodGet, "/patrons/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
