package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orizon-lang/fairsched/internal/logging"
	"github.com/orizon-lang/fairsched/internal/runtime/netstack"
)

// defaultServer returns the schedstat URL, checking SCHEDCTL_SERVER first.
func defaultServer() string {
	if s := os.Getenv("SCHEDCTL_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:7070"
}

type ctlOptions struct {
	server         string
	http3          bool
	timeout        time.Duration
	logLevel       string
	skipAPIVersion bool
	jsonOut        bool

	client *Client
}

// NewSchedctlCmd creates the root command of the schedctl binary.
func NewSchedctlCmd() *cobra.Command {
	o := &ctlOptions{}
	root := &cobra.Command{
		Use:           "schedctl",
		Short:         "Inspect and tune a running fairsched machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return o.connect(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.client != nil {
				netstack.ShutdownHTTP3(o.client.HTTPClient)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.server, "server", defaultServer(), "schedstat URL (or SCHEDCTL_SERVER env)")
	pf.BoolVar(&o.http3, "http3", false, "talk HTTP/3 to an https server (self-signed certificates accepted)")
	pf.DurationVar(&o.timeout, "timeout", 5*time.Second, "request timeout")
	pf.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&o.skipAPIVersion, "skip-version-check", false, "do not check the server API version")
	pf.BoolVar(&o.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newSummaryCmd(o),
		newProcsCmd(o),
		newProcCmd(o),
		newNodesCmd(o),
		newBalancedCmd(o),
		newNiceCmd(o),
		newKillCmd(o),
		newCtlVersionCmd(o),
	)
	return root
}

func (o *ctlOptions) connect(cmd *cobra.Command) error {
	log := logging.NewWithWriter(logging.ParseLevel(o.logLevel), "console", cmd.ErrOrStderr())
	var hc *http.Client
	if o.http3 {
		if !strings.HasPrefix(o.server, "https://") {
			return fmt.Errorf("--http3 needs an https:// server URL")
		}
		hc = netstack.HTTP3Client(netstack.InsecureClientTLS(), o.timeout)
	} else {
		hc = &http.Client{Timeout: o.timeout}
	}
	o.client = NewClient(o.server, hc, log)
	if o.skipAPIVersion {
		return nil
	}
	return o.client.Negotiate(cmd.Context())
}

func (o *ctlOptions) print(w io.Writer, v any, text func(io.Writer) error) error {
	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

func newSummaryCmd(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show run queue count, total weight and period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.client.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), s, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "count=%d total_weight=%d period=%d\n", s.Count, s.TotalWeight, s.Period)
				return err
			})
		},
	}
}

func newProcsCmd(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "procs",
		Short: "List processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := o.client.Procs(cmd.Context())
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), procs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PID\tNAME\tSTATE\tNICE\tWEIGHT\tVRUNTIME\tSLICE\tTICKS")
				for _, p := range procs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.3f\t%d\t%d\n",
						p.PID, p.Name, p.State, p.Nice, p.Weight, p.VRuntime, p.TimeSlice, p.RunTicks)
				}
				return tw.Flush()
			})
		},
	}
}

func newProcCmd(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proc <pid>",
		Short: "Show one process's scheduling fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			p, err := o.client.Proc(cmd.Context(), pid)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), p, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "pid=%d name=%s state=%s nice=%d weight=%d vruntime=%.3f curr_runtime=%d slice=%d\n",
					p.PID, p.Name, p.State, p.Nice, p.Weight, p.VRuntime, p.CurrRuntime, p.TimeSlice)
				return err
			})
		},
	}
}

func newNodesCmd(o *ctlOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List run queue nodes in vruntime order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := o.client.Nodes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), nodes, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PID\tVRUNTIME\tCOLOR\tLEFT\tRIGHT\tPARENT")
				for _, n := range nodes {
					fmt.Fprintf(tw, "%d\t%.3f\t%s\t%d\t%d\t%d\n", n.PID, n.VRuntime, n.Color, n.LeftPID, n.RightPID, n.ParentPID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "max", 64, "maximum number of nodes")
	return cmd
}

func newBalancedCmd(o *ctlOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "balanced",
		Short: "Check the red-black invariants of the run queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := o.client.Balanced(cmd.Context(), full)
			if err != nil {
				return err
			}
			if err := o.print(cmd.OutOrStdout(), v, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, v.Balanced)
				return err
			}); err != nil {
				return err
			}
			if !v.Balanced {
				if v.Error != "" {
					return fmt.Errorf("run queue is not balanced: %s", v.Error)
				}
				return fmt.Errorf("run queue is not balanced")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "also check ordering, links and cached aggregates")
	return cmd
}

func newNiceCmd(o *ctlOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nice <pid> <value>",
		Short: "Set a process's nice value (clamped to [-20, 19])",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			nice, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid nice value %q", args[1])
			}
			p, err := o.client.SetNice(cmd.Context(), pid, nice)
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), p, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "pid=%d nice=%d weight=%d\n", p.PID, p.Nice, p.Weight)
				return err
			})
		},
	}
	// negative values must not be taken for flags
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newKillCmd(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Flag a process for termination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			if err := o.client.Kill(cmd.Context(), pid); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d\n", pid)
			return nil
		},
	}
}

func newCtlVersionCmd(o *ctlOptions) *cobra.Command {
	var serverToo bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print client, and optionally server, version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := PrintVersion(cmd.OutOrStdout(), "schedctl", o.jsonOut); err != nil {
				return err
			}
			if !serverToo {
				return nil
			}
			o.skipAPIVersion = true
			if err := o.connect(cmd); err != nil {
				return err
			}
			v, err := o.client.Version(cmd.Context())
			if err != nil {
				return err
			}
			compat := "compatible"
			if err := CheckAPICompatible(v.APIVersion, ClientAPIConstraint); err != nil {
				compat = err.Error()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server: %s api %s (%s)\n", v.Server, v.APIVersion, compat)
			return nil
		},
	}
	cmd.Flags().BoolVar(&serverToo, "server-version", false, "also query the server")
	return cmd
}
