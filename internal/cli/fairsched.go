package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/fairsched/internal/config"
	"github.com/orizon-lang/fairsched/internal/logging"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
	"github.com/orizon-lang/fairsched/internal/runtime/machine"
	"github.com/orizon-lang/fairsched/internal/runtime/netstack"
	"github.com/orizon-lang/fairsched/internal/runtime/schedstat"
)

// NewFairschedCmd creates the root command of the fairsched binary.
func NewFairschedCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fairsched",
		Short:         "Simulated multiprocessor running a CFS scheduler",
		Long:          "fairsched boots a simulated machine whose CPUs share one vruntime-ordered run queue, runs the configured workloads and reports how CPU time was divided.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newWeightsCmd(),
		newCertCmd(),
		newVersionCmd("fairsched"),
	)
	return root
}

type runOptions struct {
	configPath string
	ncpu       int
	maxTicks   uint64
	statAddr   string
	http3Addr  string
	tlsCert    string
	tlsKey     string
	logLevel   string
	logFormat  string
	watch      bool
	hold       bool
	jsonOut    bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the machine and run the configured workloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMachine(ctx, cmd.OutOrStdout(), cfg, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.IntVar(&o.ncpu, "ncpu", 0, "number of simulated CPUs (default: CPU affinity)")
	f.Uint64Var(&o.maxTicks, "max-ticks", 0, "stop after this many ticks (0: until all exit)")
	f.StringVar(&o.statAddr, "stat-addr", "", "serve schedstat over HTTP on this address")
	f.StringVar(&o.http3Addr, "http3-addr", "", "serve schedstat over HTTP/3 on this address")
	f.StringVar(&o.tlsCert, "tls-cert", "", "PEM certificate for HTTP/3 (default: self-signed)")
	f.StringVar(&o.tlsKey, "tls-key", "", "PEM key for HTTP/3")
	f.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "", "log format (console, json)")
	f.BoolVar(&o.watch, "watch", false, "reload tunables when the config file changes")
	f.BoolVar(&o.hold, "hold", false, "keep serving schedstat after the run until interrupted")
	f.BoolVar(&o.jsonOut, "json", false, "print the report as JSON")
	return cmd
}

// loadConfig reads the file, if any, and lets explicit flags win.
func (o *runOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	f := cmd.Flags()
	if f.Changed("ncpu") {
		cfg.NCPU = o.ncpu
	}
	if f.Changed("max-ticks") {
		cfg.MaxTicks = o.maxTicks
	}
	if f.Changed("stat-addr") {
		cfg.StatAddr = o.statAddr
	}
	if f.Changed("http3-addr") {
		cfg.HTTP3Addr = o.http3Addr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if o.watch && o.configPath == "" {
		return config.Config{}, fmt.Errorf("--watch needs --config")
	}
	return cfg, cfg.Validate()
}

func runMachine(ctx context.Context, out io.Writer, cfg config.Config, o runOptions) error {
	log := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	defer log.Sync()

	sched, err := kernel.New(kernel.NewProcTable(cfg.NProc), cfg.Policy(), kernel.WithLogger(log))
	if err != nil {
		return err
	}
	m := machine.New(sched, machine.Options{NCPU: cfg.NCPU, MaxTicks: cfg.MaxTicks, Logger: log})
	for _, w := range cfg.Workloads {
		if err := m.Spawn(w); err != nil {
			return err
		}
	}
	log = log.Named("main").With(zap.String("run_id", m.RunID()))

	stopServers, err := startServers(cfg, o, sched, m.RunID(), log)
	if err != nil {
		return err
	}
	defer stopServers()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	var g errgroup.Group
	if o.watch {
		path, _ := filepath.Abs(o.configPath)
		g.Go(func() error {
			return config.Watch(watchCtx, path, log, func(c config.Config) {
				if err := sched.SetTunables(c.Policy()); err != nil {
					log.Warn("tunables rejected", zap.Error(err))
				}
			})
		})
	}

	rep, runErr := m.Run(ctx)
	if rep != nil {
		if err := writeReport(out, rep, o.jsonOut); err != nil {
			return err
		}
	}
	if runErr == nil && o.hold && (cfg.StatAddr != "" || cfg.HTTP3Addr != "") {
		log.Info("run finished, serving until interrupted")
		<-ctx.Done()
	}
	cancelWatch()
	if err := g.Wait(); err != nil {
		log.Warn("config watch", zap.Error(err))
	}
	return runErr
}

// startServers brings up the configured schedstat endpoints and returns a
// function that stops them.
func startServers(cfg config.Config, o runOptions, sched *kernel.Scheduler, runID string, log *zap.Logger) (func(), error) {
	if cfg.StatAddr == "" && cfg.HTTP3Addr == "" {
		return func() {}, nil
	}
	if logging.ParseLevel(cfg.LogLevel) > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	router := schedstat.NewRouter(sched, schedstat.Options{Server: "fairsched/" + Version, RunID: runID, Logger: log})

	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.StatAddr != "" {
		srv := netstack.NewHTTPServer(cfg.StatAddr, router, log)
		if _, err := srv.Start(); err != nil {
			return nil, fmt.Errorf("schedstat listen: %w", err)
		}
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		})
	}

	if cfg.HTTP3Addr != "" {
		tlsCfg, err := serverTLS(o)
		if err != nil {
			stopAll()
			return nil, err
		}
		srv := netstack.NewHTTP3Server(cfg.HTTP3Addr, tlsCfg, router, log)
		if _, err := srv.Start(); err != nil {
			stopAll()
			return nil, fmt.Errorf("schedstat http3 listen: %w", err)
		}
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		})
	}
	return stopAll, nil
}

func serverTLS(o runOptions) (*tls.Config, error) {
	if o.tlsCert != "" || o.tlsKey != "" {
		return netstack.LoadTLSConfig(o.tlsCert, o.tlsKey)
	}
	return netstack.GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1", "::1"}, 24*time.Hour)
}

func writeReport(w io.Writer, rep *machine.Report, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintf(w, "run %s: %d ticks on %d cpus", rep.RunID, rep.Ticks, rep.NCPU)
	if rep.Truncated {
		fmt.Fprint(w, " (tick limit reached)")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tNICE\tWEIGHT\tTICKS\tSHARE\tDISPATCH\tPREEMPT\tFINISH\tVRUNTIME")
	var total uint64
	for _, p := range rep.Procs {
		total += p.RunTicks
	}
	for _, p := range rep.Procs {
		share := 0.0
		if total > 0 {
			share = 100 * float64(p.RunTicks) / float64(total)
		}
		finish := "-"
		if p.Exited {
			finish = fmt.Sprint(p.FinishTick)
		}
		if p.Killed {
			finish += " (killed)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%.1f%%\t%d\t%d\t%s\t%.3f\n",
			p.PID, p.Name, p.Nice, p.Weight, p.RunTicks, share, p.Dispatches, p.Preemptions, finish, p.VRuntime)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, name := range rep.Rejected {
		fmt.Fprintf(w, "rejected: %s (process table full)\n", name)
	}
	return nil
}

func newWeightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weights",
		Short: "Print the nice to weight table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pol := kernel.DefaultPolicy(64)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NICE\tWEIGHT\tVRUNTIME/TICK")
			for n := kernel.NiceMin; n <= kernel.NiceMax; n++ {
				w := kernel.ComputeWeight(n)
				fmt.Fprintf(tw, "%d\t%d\t%.4f\n", n, w, pol.VRuntimeDelta(w))
			}
			return tw.Flush()
		},
	}
}

func newCertCmd() *cobra.Command {
	var (
		hosts    []string
		outDir   string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Write a self-signed certificate for the HTTP/3 endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := netstack.GenerateSelfSignedTLS(hosts, validFor)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			certPath := filepath.Join(outDir, "cert.pem")
			keyPath := filepath.Join(outDir, "key.pem")
			if err := netstack.WritePEM(&cfg.Certificates[0], certPath, keyPath); err != nil {
				return fmt.Errorf("write pem: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certPath, keyPath)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names or IPs the certificate is valid for")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().DurationVar(&validFor, "valid-for", 30*24*time.Hour, "validity period")
	return cmd
}

func newVersionCmd(tool string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return PrintVersion(cmd.OutOrStdout(), tool, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
