package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"RiskEngine/internal/app"
	"RiskEngine/internal/config"
	"RiskEngine/internal/domain"
	"RiskEngine/internal/logging"
)

const configPathEnv = "RISK_ENGINE_CONFIG"

// Options holds CLI-level configuration.
type Options struct {
	ConfigPath string
	Logger     *slog.Logger
}

// container lazily builds the application once flags are parsed.
type container struct {
	opts        *Options
	application *app.Application
}

func (c *container) build(ctx context.Context) (*app.Application, error) {
	if c.application != nil {
		return c.application, nil
	}
	path := c.opts.ConfigPath
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logger := c.opts.Logger
	if logger == nil {
		logger = logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	}
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.application = application
	return application, nil
}

func (c *container) close() error {
	if c.application == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.application.Close(ctx)
}

// NewRootCmd wires the cobra root command. The returned function releases
// the application built by whichever subcommand ran.
func NewRootCmd(opts Options) (*cobra.Command, func() error) {
	c := &container{opts: &opts}

	root := &cobra.Command{
		Use:           "riskengine",
		Short:         "Infection-exposure risk coordination engine",
		Long:          "riskengine downloads published key and trace-warning packages, runs exposure detection and combines the results into a single risk level.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML configuration (defaults to $"+configPathEnv+")")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newDetectCommand(c))
	root.AddCommand(newStatusCommand(c))
	root.AddCommand(newPolicyCommand(c))
	root.AddCommand(newAuthorizationCommand(c))
	root.AddCommand(newCheckinCommand(c))
	return root, c.close
}

func newServeCommand(c *container) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled background detection and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			return application.Run(cmd.Context())
		},
	}
}

func newDetectCommand(c *container) *cobra.Command {
	var (
		userInitiated bool
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Request a risk result and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = application.Config().Risk.RequestTimeout
			}
			result, err := application.Engine().RequestRisk(cmd.Context(), userInitiated, timeout)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&userInitiated, "user", false, "treat the request as user initiated (always recompute)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (defaults to risk.requestTimeout)")
	return cmd
}

type statusReport struct {
	ActivityState        string                     `json:"activityState"`
	DetectionMode        domain.DetectionMode       `json:"detectionMode"`
	ManualDetectionState domain.ManualDetectionState `json:"manualDetectionState,omitempty"`
	NextDetectionDate    *time.Time                 `json:"nextDetectionDate,omitempty"`
	RiskLevel            string                     `json:"riskLevel,omitempty"`
	ComputedAt           *time.Time                 `json:"computedAt,omitempty"`
	LastFetched          map[string]time.Time       `json:"lastFetched"`
	Suppressed           bool                       `json:"suppressed"`
}

func newStatusCommand(c *container) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cached result and engine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := c.build(ctx)
			if err != nil {
				return err
			}
			engine := application.Engine()
			cfg := engine.Configuration()

			report := statusReport{
				ActivityState: engine.ActivityState().String(),
				DetectionMode: cfg.DetectionMode,
				LastFetched:   make(map[string]time.Time),
			}
			if cfg.DetectionMode == domain.DetectionModeManual {
				report.ManualDetectionState = engine.ManualDetectionState()
			}
			if next := engine.NextDetectionDate(); !next.IsZero() {
				report.NextDetectionDate = &next
			}
			if cached, ok := engine.CachedResult(); ok {
				report.RiskLevel = cached.CombinedRiskLevel.String()
				report.ComputedAt = &cached.ComputedAt
			}
			for _, kind := range domain.PackageKinds {
				at, ok, err := application.Repository().LastFetched(ctx, kind)
				if err != nil {
					return err
				}
				if ok {
					report.LastFetched[string(kind)] = at
				}
			}
			if report.Suppressed, err = application.Repository().SuppressRiskCalculation(ctx); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newPolicyCommand(c *container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the risk-calculation suppression flag",
	}

	set := func(suppress bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			if err := application.Repository().SetSuppression(cmd.Context(), suppress); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "risk calculation suppressed: %t\n", suppress)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "suppress",
		Short: "Only download packages, never calculate risk",
		Args:  cobra.NoArgs,
		RunE:  set(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Allow risk calculation again",
		Args:  cobra.NoArgs,
		RunE:  set(false),
	})
	return cmd
}

func newAuthorizationCommand(c *container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorization",
		Short: "Report a change of the platform detection authorization",
	}

	changed := func(authorized bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			if err := application.Engine().AuthorizationChanged(cmd.Context(), authorized); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "authorization changed (authorized: %t), cached result discarded\n", authorized)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "granted",
		Short: "Detection was authorized",
		Args:  cobra.NoArgs,
		RunE:  changed(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoked",
		Short: "Detection authorization was withdrawn",
		Args:  cobra.NoArgs,
		RunE:  changed(false),
	})
	return cmd
}

func newCheckinCommand(c *container) *cobra.Command {
	var (
		start    string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "checkin <location-hash>",
		Short: "Record a venue check-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.build(cmd.Context())
			if err != nil {
				return err
			}
			begin := time.Now().UTC()
			if start != "" {
				if begin, err = time.Parse(time.RFC3339, start); err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
			}
			recorded, err := application.Engine().RecordCheckin(cmd.Context(), domain.Checkin{
				LocationIDHash: args[0],
				Start:          begin,
				End:            begin.Add(duration),
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recorded)
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "check-in start (RFC3339, defaults to now)")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "time spent at the venue")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
