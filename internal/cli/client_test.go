package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
	"github.com/orizon-lang/fairsched/internal/runtime/schedstat"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newStatServer serves schedstat over a scheduler with n queued nice-0
// processes, pids 1..n.
func newStatServer(t *testing.T, n int) (*httptest.Server, *kernel.Scheduler) {
	t.Helper()
	s, err := kernel.New(kernel.NewProcTable(16), kernel.DefaultPolicy(16))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		p, err := s.Table().Alloc("w")
		require.NoError(t, err)
		require.NoError(t, s.Admit(p))
	}
	srv := httptest.NewServer(schedstat.NewRouter(s, schedstat.Options{Server: "test", RunID: "run-1"}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestClient_ReadEndpoints(t *testing.T) {
	srv, _ := newStatServer(t, 3)
	c := NewClient(srv.URL+"/", srv.Client(), nil)
	ctx := context.Background()

	require.NoError(t, c.Negotiate(ctx))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", v.RunID)

	sum, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, kernel.Summary{Count: 3, TotalWeight: 3 * kernel.NiceZeroWeight, Period: 8}, sum)

	nodes, err := c.Nodes(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	bal, err := c.Balanced(ctx, true)
	require.NoError(t, err)
	assert.True(t, bal.Balanced)

	procs, err := c.Procs(ctx)
	require.NoError(t, err)
	assert.Len(t, procs, 3)

	p, err := c.Proc(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "runnable", p.State)
}

func TestClient_SetNiceAndKill(t *testing.T) {
	srv, s := newStatServer(t, 2)
	c := NewClient(srv.URL, srv.Client(), nil)
	ctx := context.Background()

	p, err := c.SetNice(ctx, 1, -40)
	require.NoError(t, err)
	assert.Equal(t, kernel.NiceMin, p.Nice)
	assert.Equal(t, kernel.ComputeWeight(kernel.NiceMin)+kernel.NiceZeroWeight, s.TreeSummary().TotalWeight)

	require.NoError(t, c.Kill(ctx, 2))
	info, err := s.ProcInfo(2)
	require.NoError(t, err)
	assert.True(t, info.Killed)
}

func TestClient_NotFoundMatchesSentinel(t *testing.T) {
	srv, _ := newStatServer(t, 1)
	c := NewClient(srv.URL, srv.Client(), nil)

	_, err := c.Proc(context.Background(), 9)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, kerrors.CodeNotFound, apiErr.Code)
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	assert.NotErrorIs(t, err, kerrors.ErrInvalidConfig)
}

func TestClient_NegotiateRejectsNewMajor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"api_version":"2.0.0","server":"future"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, srv.Client(), nil).Negotiate(context.Background())
	assert.ErrorContains(t, err, "2.0.0")
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client(), nil).Summary(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Message)
}
