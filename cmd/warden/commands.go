package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/app"
	"github.com/dshills/warden/internal/config"
	"github.com/dshills/warden/internal/manifest"
	"github.com/dshills/warden/internal/permission"
)

// shutdownTimeout bounds host shutdown after a command finishes.
const shutdownTimeout = 10 * time.Second

type globalFlags struct {
	config  string
	debug   bool
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Validate, sandbox and supervise Lua and JavaScript plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "configuration file (default: ./warden.toml or ~/.config/warden/warden.toml)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newScanCmd(flags),
		newValidateCmd(flags),
		newRunCmd(flags),
		newPermissionsCmd(flags),
		newServeCmd(flags),
		newVersionCmd(),
	)
	return root
}

func (f *globalFlags) host(ctx context.Context) (*app.Host, error) {
	return app.New(ctx, app.Options{ConfigPath: f.config, Debug: f.debug})
}

func shutdown(h *app.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newScanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>",
		Short: "Run the static analyzer on a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			lang, ok := analyzer.LanguageFromPath(args[0])
			if !ok {
				return fmt.Errorf("cannot tell the language of %s", args[0])
			}
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			a := analyzer.New()
			if cfg.Security.RulesFile != "" {
				set, err := analyzer.LoadRuleSet(cfg.Security.RulesFile)
				if err != nil {
					return err
				}
				a.SetRuleSet(set)
			}
			assessment, err := a.Analyze(cmd.Context(), lang, string(code))
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return printJSON(cmd.OutOrStdout(), assessment)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, rules %s): risk score %d\n", args[0], lang, assessment.RulesVersion, assessment.RiskScore)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, v := range assessment.Violations {
				fmt.Fprintf(tw, "  line %d\t%s\t%s\t%s\n", v.Line, v.Severity, v.RuleID, v.Description)
			}
			return tw.Flush()
		},
	}
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin-dir>",
		Short: "Validate a plugin the way the host admits it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := manifest.LoadBundle(args[0])
			if err != nil {
				return err
			}
			h, err := flags.host(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(h)

			r, err := h.Security().Validate(cmd.Context(), bundle.Manifest, bundle.Code)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), r); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s: risk score %d\n", r.PluginID, r.Version, r.RiskScore())
				fmt.Fprintf(out, "  requested: %s\n", r.Requested)
				fmt.Fprintf(out, "  granted:   %s\n", r.Granted)
				for _, reason := range r.Reasons {
					fmt.Fprintf(out, "  - %s\n", reason)
				}
			}
			if !r.Approved {
				return fmt.Errorf("%s rejected", r.PluginID)
			}
			return nil
		},
	}
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plugin-dir> <op> [json-args]",
		Short: "Admit a plugin, invoke one operation and clean up",
		Long: `Admit a plugin, invoke one operation and clean up.

json-args is a JSON array of arguments, or a single JSON value passed as
the only argument.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs []any
			if len(args) == 3 {
				parsed, err := parseArgs(args[2])
				if err != nil {
					return err
				}
				callArgs = parsed
			}
			bundle, err := manifest.LoadBundle(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			h, err := flags.host(ctx)
			if err != nil {
				return err
			}
			defer shutdown(h)

			plugins := h.Plugins()
			if err := plugins.Register(bundle); err != nil {
				return err
			}
			id := bundle.Manifest.ID()
			if err := plugins.Activate(ctx, id); err != nil {
				return err
			}
			result, err := plugins.Invoke(ctx, id, args[1], callArgs...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func parseArgs(raw string) ([]any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if list, ok := v.([]any); ok {
		return list, nil
	}
	return []any{v}, nil
}

func newPermissionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "List the capabilities a plugin can request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos := make([]permission.Info, 0, len(permission.AllKinds()))
			for _, k := range permission.AllKinds() {
				if info, ok := permission.GetInfo(k); ok {
					infos = append(infos, info)
				}
			}
			if flags.jsonOut {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tRISK\tSCOPED\tDESCRIPTION")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", info.Kind, info.RiskLevel, info.Kind.Scoped(), info.Description)
			}
			return tw.Flush()
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Discover and activate plugins, then serve metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := flags.host(ctx)
			if err != nil {
				return err
			}
			defer shutdown(h)
			log := h.Logger().WithComponent("serve")

			ids, err := h.Plugins().Discover(ctx)
			if err != nil {
				log.WithError(err).Warn("discovery problems")
			}
			log.Info("discovered %d plugins", len(ids))
			if h.Config().Plugins.AutoActivate {
				if err := h.Plugins().ActivateAll(ctx); err != nil {
					log.WithError(err).Warn("some plugins did not activate")
				}
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", h.Metrics().Handler())
			mux.HandleFunc("/plugins", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = printJSON(w, h.Plugins().List())
			})
			srv := &http.Server{
				Addr:              h.Config().Metrics.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			log.Info("serving metrics on %s", srv.Addr)

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "warden %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", strings.TrimSpace(commit))
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
