package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/ip-tracker/internal/config"
	"github.com/developingchet/ip-tracker/internal/denylist"
	"github.com/developingchet/ip-tracker/internal/detector"
	"github.com/developingchet/ip-tracker/internal/logger"
	"github.com/developingchet/ip-tracker/internal/ratelimit"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/developingchet/ip-tracker/internal/tracker"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	// A missing .env is normal in containers.
	_ = godotenv.Load()

	if err := newRoot().Execute(); err != nil {
		var verr *denylist.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, verr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "ip-tracker",
		Short:         "Request logging, geolocation, blocking and anomaly detection for HTTP services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		blockCmd(),
		unblockCmd(),
		detectCmd(),
		suspiciousCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ip-tracker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("store", cfg.StoreDriver).
		Str("geo", cfg.GeoProvider).Msg("ip-tracker starting")

	store, err := tracker.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	resolver, geoCloser, err := tracker.NewResolver(cfg, log)
	if err != nil {
		return fmt.Errorf("init geolocation: %w", err)
	}
	defer geoCloser.Close()

	limiter, limiterCloser := tracker.NewLimiter(cfg)
	defer limiterCloser.Close()

	tracker.BinaryVersion = Version
	trk, err := tracker.New(cfg, tracker.Deps{
		Store:      store,
		Resolver:   resolver,
		Limiter:    limiter,
		Classifier: ratelimit.NewJWTClassifier(cfg.JWTSecret),
	}, log)
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return trk.Run(ctx)
}

// openAdmin loads config and opens the store for one-shot commands.
func openAdmin() (storage.Store, zerolog.Logger, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)
	store, err := tracker.OpenStore(cfg)
	if err != nil {
		return nil, log, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, log, cfg, nil
}

// blockCmd adds an address to the denylist.
func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <ip>",
		Short: "Add an IP address to the denylist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, _, err := openAdmin()
			if err != nil {
				return err
			}
			defer store.Close()
			return runBlock(cmd.Context(), denylist.New(store, log), args[0], cmd.OutOrStdout())
		},
	}
}

func runBlock(ctx context.Context, dl *denylist.Denylist, addr string, out io.Writer) error {
	created, err := dl.Add(ctx, addr, denylist.SourceCLI)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Successfully blocked IP address: %s\n", addr)
	} else {
		fmt.Fprintf(out, "IP address %s is already blocked.\n", addr)
	}
	return nil
}

// unblockCmd removes an address from the denylist.
func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Remove an IP address from the denylist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, _, err := openAdmin()
			if err != nil {
				return err
			}
			defer store.Close()
			return runUnblock(cmd.Context(), denylist.New(store, log), args[0], cmd.OutOrStdout())
		},
	}
}

func runUnblock(ctx context.Context, dl *denylist.Denylist, addr string, out io.Writer) error {
	removed, err := dl.Remove(ctx, addr)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(out, "Successfully unblocked IP address: %s\n", addr)
	} else {
		fmt.Fprintf(out, "IP address %s is not blocked.\n", addr)
	}
	return nil
}

// detectCmd runs one anomaly detection pass.
func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one anomaly detection pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, cfg, err := openAdmin()
			if err != nil {
				return err
			}
			defer store.Close()
			det := detector.New(store, detector.Config{
				Window:          cfg.DetectorWindow,
				VolumeThreshold: cfg.DetectorVolumeThreshold,
				SensitivePaths:  cfg.DetectorSensitivePaths,
			}, log)
			return runDetect(cmd.Context(), det, cmd.OutOrStdout())
		},
	}
}

func runDetect(ctx context.Context, det *detector.Detector, out io.Writer) error {
	sum, err := det.Run(ctx)
	fmt.Fprintf(out, "%s volume=%d path=%d upserts=%d elapsed=%s\n",
		sum.Message(), sum.VolumeFlagged, sum.PathFlagged, sum.Upserts, sum.Elapsed.Round(time.Millisecond))
	return err
}

// suspiciousCmd lists flagged addresses.
func suspiciousCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspicious",
		Short: "List addresses flagged by the anomaly detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, _, err := openAdmin()
			if err != nil {
				return err
			}
			defer store.Close()
			return runSuspicious(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func runSuspicious(ctx context.Context, store storage.Store, out io.Writer) error {
	records, err := store.ListSuspicious(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No suspicious IP addresses.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Address, r.UpdatedAt.Format(time.RFC3339), r.Reason)
	}
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return errors.New("healthcheck returned " + resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ip-tracker %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
}
