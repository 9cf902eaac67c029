// Command ftserver runs the fault-tolerance coordinator: the location
// directory, checkpoint store, spare-node pool, failure detector and
// recovery process behind one HTTP endpoint.
//
// Configuration is read from an optional YAML file, then FT_* environment
// variables, then command-line flags. When a file is given it is watched
// and detector settings are reapplied on change.
//
// Example:
//
//	ftserver --config ftserver.yaml --listen :8090 --protocol cic
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/ftserver/internal/config"
	"github.com/dreamware/ftserver/internal/ftserver"
)

type rootOptions struct {
	configPath  string
	listen      string
	protocol    string
	scanPeriod  time.Duration
	threshold   int
	storagePath string
	elastic     string
	noDetector  bool
}

// overrides copies every flag the user set onto cfg.
func (o *rootOptions) overrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if flags.Changed("protocol") {
		cfg.Protocol = o.protocol
	}
	if flags.Changed("scan-period") {
		cfg.ScanPeriod = o.scanPeriod
	}
	if flags.Changed("threshold") {
		cfg.FailureThreshold = o.threshold
	}
	if flags.Changed("storage") {
		cfg.StoragePath = o.storagePath
	}
	if flags.Changed("elastic") {
		cfg.ElasticEndpoint = o.elastic
	}
}

func (o *rootOptions) bind(cmd *cobra.Command, defaults *config.Config) {
	flags := cmd.Flags()
	flags.StringVarP(&o.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&o.listen, "listen", defaults.ListenAddr, "address to listen on")
	flags.StringVar(&o.protocol, "protocol", defaults.Protocol, "checkpointing protocol (cic or pml)")
	flags.DurationVar(&o.scanPeriod, "scan-period", defaults.ScanPeriod, "failure detector period")
	flags.IntVar(&o.threshold, "threshold", defaults.FailureThreshold, "consecutive missed probes before recovery")
	flags.StringVar(&o.storagePath, "storage", "", "SQLite database file (empty keeps state in memory)")
	flags.StringVar(&o.elastic, "elastic", "", "base URL of a spare-node provider")
	flags.BoolVar(&o.noDetector, "no-detector", false, "do not start the failure detector at boot")
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "ftserver",
		Short:         "Fault-tolerance coordinator for distributed entities",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.overrides(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts, func(updated *config.Config) { opts.overrides(cmd, updated) })
		},
	}

	opts.bind(cmd, defaults)
	return cmd
}

// run serves the coordinator until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts *rootOptions, reapply func(*config.Config)) error {
	ft, err := ftserver.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ft.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	if err := ft.Initialize(ctx); err != nil {
		return err
	}

	if opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath, func(_, updated *config.Config) {
			reapply(updated)
			if err := updated.Validate(); err != nil {
				log.Printf("config reload rejected: %v", err)
				return
			}
			ft.ApplyConfig(updated)
		})
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	if !opts.noDetector {
		ft.StartFailureDetector()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(ft),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s (protocol %s)", cfg.ServerName, cfg.ListenAddr, ft.Protocol())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
	}

	ft.StopFailureDetector()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("%s stopped", cfg.ServerName)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Printf("ftserver: %v", err)
		os.Exit(1)
	}
}
