package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/permission"
)

func newTestServer(t *testing.T) (*Server, *permission.Arbiter) {
	t.Helper()
	arbiter := permission.New(permission.Config{DefaultClass: permission.ReadOnly})
	return New(arbiter, events.NewBroker(), nil), arbiter
}

func TestPendingEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/permissions/pending", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []pendingEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out)
}

func TestPendingListsRequests(t *testing.T) {
	s, arbiter := newTestServer(t)
	arbiter.Request(permission.Request{
		ID:        "r1",
		ToolName:  "bash",
		Operation: "execute",
		Target:    "rm -rf /",
		Class:     permission.ExecuteUnsafe,
		Timestamp: time.Now(),
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/permissions/pending", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []pendingEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, "bash", out[0].Tool)
	assert.Equal(t, "execute_unsafe", out[0].Class)
}

func TestApprove(t *testing.T) {
	s, arbiter := newTestServer(t)
	arbiter.Request(permission.Request{ID: "r1", ToolName: "bash", Class: permission.ExecuteUnsafe})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/permissions/r1/approve", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, permission.Approved, arbiter.DecisionFor("r1"))
}

func TestDenyThenRedecideConflicts(t *testing.T) {
	s, arbiter := newTestServer(t)
	arbiter.Request(permission.Request{ID: "r1", ToolName: "bash", Class: permission.ExecuteUnsafe})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/permissions/r1/deny", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/permissions/r1/approve", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecideUnknownIs404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/permissions/ghost/approve", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
