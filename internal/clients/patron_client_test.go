// internal/clients/patron_client_test.go
package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"libracirc/internal/patron"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatronClient_GetPatron(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/patrons/p1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"pid":"p1","name":"Ada","organisation_pid":"org1","library_pid":"lib1","patron_type_pid":"adult","is_blocked":true}`))
		case "/patrons/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewPatronClient(server.URL)
	ctx := context.Background()

	p, err := c.GetPatron(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "adult", p.PatronTypePID)
	assert.True(t, p.IsBlocked)

	_, err = c.GetPatron(ctx, "nobody")
	assert.ErrorIs(t, err, patron.ErrPatronNotFound)

	_, err = c.GetPatron(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, patron.ErrPatronNotFound)
}
