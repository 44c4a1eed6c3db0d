package schedstat

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

// MetricFunc returns a map of metric name -> value.
// Names should be simple tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// SchedulerMetrics collects run queue and per-process gauges from sched.
func SchedulerMetrics(sched *kernel.Scheduler) map[string]MetricFunc {
	return map[string]MetricFunc{
		"runqueue": func() map[string]float64 {
			s := sched.TreeSummary()
			return map[string]float64{
				"count":        float64(s.Count),
				"total_weight": float64(s.TotalWeight),
				"period_ticks": float64(s.Period),
			}
		},
		"sched": func() map[string]float64 {
			pol := sched.Policy()
			return map[string]float64{
				"ticks":           float64(sched.Ticks()),
				"base_latency":    float64(pol.BaseLatency),
				"min_granularity": float64(pol.MinGranularity),
				"procs":           float64(sched.Table().Live()),
			}
		},
		"proc": func() map[string]float64 {
			m := make(map[string]float64)
			for _, p := range sched.Procs() {
				prefix := fmt.Sprintf("%d_", p.PID)
				m[prefix+"run_ticks"] = float64(p.RunTicks)
				m[prefix+"vruntime"] = p.VRuntime
				m[prefix+"weight"] = float64(p.Weight)
				m[prefix+"preemptions"] = float64(p.Preemptions)
			}
			return m
		},
	}
}

// metricsHandler writes every collector in a line-oriented text format,
// ordered by collector and then metric name.
func metricsHandler(collectors map[string]MetricFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}
			snapshot := fn()
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "%s %g\n", sanitizeMetricToken("fairsched_"+name+"_"+k), snapshot[k])
			}
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
	}
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == ':') {
			c = '_'
		}
		// runs of '_' collapse to one
		if c == '_' && len(b) > 0 && b[len(b)-1] == '_' {
			continue
		}
		b = append(b, c)
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return string(b)
}
