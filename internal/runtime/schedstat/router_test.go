package schedstat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter returns a router over a scheduler with n queued nice-0
// processes, pids 1..n.
func newTestRouter(t *testing.T, n int) (*gin.Engine, *kernel.Scheduler) {
	t.Helper()
	s, err := kernel.New(kernel.NewProcTable(64), kernel.DefaultPolicy(64))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		p, err := s.Table().Alloc("p")
		require.NoError(t, err)
		require.NoError(t, s.Admit(p))
	}
	return NewRouter(s, Options{Server: "test", RunID: "run-1"}), s
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRouter_Version(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	w := do(r, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, VersionView{APIVersion: APIVersion, Server: "test", RunID: "run-1"}, decode[VersionView](t, w))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_RequestIDEchoed(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestRouter_TreeSummary(t *testing.T) {
	r, _ := newTestRouter(t, 10)
	w := do(r, http.MethodGet, "/api/tree", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, kernel.Summary{Count: 10, TotalWeight: 10240, Period: 32}, decode[kernel.Summary](t, w))
}

func TestRouter_TreeNodes(t *testing.T) {
	r, _ := newTestRouter(t, 5)

	w := do(r, http.MethodGet, "/api/tree/nodes?max=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	nodes := decode[[]kernel.NodeInfo](t, w)
	require.Len(t, nodes, 3)
	assert.Equal(t, 1, nodes[0].PID)

	w = do(r, http.MethodGet, "/api/tree/nodes", "")
	assert.Len(t, decode[[]kernel.NodeInfo](t, w), 5)

	w = do(r, http.MethodGet, "/api/tree/nodes?max=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	w = do(r, http.MethodGet, "/api/tree/nodes?max=lots", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodGet, "/api/tree/nodes?max=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Balanced(t *testing.T) {
	r, _ := newTestRouter(t, 7)
	w := do(r, http.MethodGet, "/api/tree/balanced", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[BalancedView](t, w).Balanced)

	w = do(r, http.MethodGet, "/api/tree/balanced?full=true", "")
	view := decode[BalancedView](t, w)
	assert.True(t, view.Balanced)
	assert.Empty(t, view.Error)
}

func TestRouter_Procs(t *testing.T) {
	r, _ := newTestRouter(t, 2)

	w := do(r, http.MethodGet, "/api/procs/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[kernel.ProcInfo](t, w)
	assert.Equal(t, 2, info.PID)
	assert.Equal(t, 1024, info.Weight)
	assert.Equal(t, "runnable", info.State)

	w = do(r, http.MethodGet, "/api/procs", "")
	assert.Len(t, decode[[]kernel.ProcInfo](t, w), 2)

	w = do(r, http.MethodGet, "/api/procs/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_SUCH_PROCESS", decode[map[string]string](t, w)["code"])

	for _, bad := range []string{"0", "-2", "x"} {
		w = do(r, http.MethodGet, "/api/procs/"+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestRouter_SetNice(t *testing.T) {
	r, s := newTestRouter(t, 3)

	w := do(r, http.MethodPut, "/api/procs/2/nice", `{"nice": -5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode[kernel.ProcInfo](t, w)
	assert.Equal(t, -5, info.Nice)
	assert.Equal(t, 3125, info.Weight)
	assert.Equal(t, 2*1024+3125, s.TreeSummary().TotalWeight)

	// zero is a valid value, a missing field is not
	w = do(r, http.MethodPut, "/api/procs/2/nice", `{"nice": 0}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3*1024, s.TreeSummary().TotalWeight)

	w = do(r, http.MethodPut, "/api/procs/2/nice", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPut, "/api/procs/2/nice", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/api/procs/40/nice", `{"nice": 3}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, s.VerifyTree())
}

func TestRouter_Kill(t *testing.T) {
	r, s := newTestRouter(t, 1)
	w := do(r, http.MethodPost, "/api/procs/1/kill", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	info, err := s.ProcInfo(1)
	require.NoError(t, err)
	assert.True(t, info.Killed)

	w = do(r, http.MethodPost, "/api/procs/5/kill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
