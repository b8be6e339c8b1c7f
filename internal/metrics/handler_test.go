package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("7")
	m.Message("ResyncLocalFile", "out")
	m.SetAcksPending(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `buddymirror_messages_total{direction="out",node="7",type="ResyncLocalFile"} 1`)
	assert.Contains(t, string(body), `buddymirror_acks_pending{node="7"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
