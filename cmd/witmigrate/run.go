package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agileforge/witmigrate/internal/config"
	"github.com/agileforge/witmigrate/internal/migrate"
	"github.com/agileforge/witmigrate/internal/source"
	"github.com/agileforge/witmigrate/internal/target"
	"github.com/agileforge/witmigrate/internal/telemetry"
)

var (
	runIDs     []string
	runMapping string
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a migration run",
	Long: `Run migrates the configured source project (or an explicit id list
plus its transitive dependencies) into the target system. Safe to
re-run: already-migrated items are synchronized, not duplicated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cfg, err := buildOrchestrator(cmd.Context(), true)
		if err != nil {
			return err
		}
		if cfg.Telemetry {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(ctx)
			}()
		}

		progress, err := orch.Run(cmd.Context(), runIDs)
		if err != nil {
			return err
		}
		if progress.Failed > 0 {
			return fmt.Errorf("run completed with %d failed items", progress.Failed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runIDs, "ids", nil, "migrate only these source ids (plus their dependencies)")
	runCmd.Flags().StringVar(&runMapping, "mapping", "", "field mapping yaml file (default: built-in mapping)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "attachment/comment prefetch workers")
	rootCmd.AddCommand(runCmd)
}

// buildOrchestrator wires the clients, mapper, and callbacks from
// configuration. initTelemetry is false for read-only commands.
func buildOrchestrator(ctx context.Context, initTelemetry bool) (*migrate.Orchestrator, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if runMapping != "" {
		cfg.MappingFile = runMapping
	}
	if runWorkers > 0 {
		cfg.Workers = runWorkers
	}

	var rec migrate.Recorder
	if initTelemetry {
		if err := telemetry.Init(ctx, "witmigrate", version, cfg.Telemetry); err != nil {
			return nil, nil, err
		}
		if cfg.Telemetry {
			r, err := telemetry.NewRecorder()
			if err != nil {
				return nil, nil, err
			}
			rec = r
		}
	}

	var mappingCfg *migrate.MappingConfig
	if cfg.MappingFile != "" {
		mappingCfg, err = migrate.LoadMappingConfig(cfg.MappingFile)
		if err != nil {
			return nil, nil, err
		}
	}

	src := source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.APIKey, cfg.Source.Project)
	tgt := target.NewHTTPClient(cfg.Target.Organization, cfg.Target.Project, cfg.Target.PAT)

	tr := migrate.NewTransformer(src)
	for k, v := range cfg.UserMap {
		tr.Users[k] = v
	}
	tr.AreaRoot = cfg.Target.Project
	tr.IterationRoot = cfg.Target.Project

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	orch := migrate.New(migrate.Options{
		Source:  src,
		Target:  tgt,
		Mapper:  migrate.NewMapper(mappingCfg, tr),
		Workers: cfg.Workers,
		Metrics: rec,
		OnMessage: func(s string) {
			if isTTY {
				fmt.Print("\r\033[K")
			}
			fmt.Println(s)
		},
		OnWarning: func(s string) {
			if isTTY {
				fmt.Print("\r\033[K")
			}
			fmt.Fprintln(os.Stderr, "warning: "+s)
		},
		OnProgress: func(p migrate.Progress) {
			if !isTTY {
				return
			}
			fmt.Printf("\r\033[K[%s] %d/%d processed, %d failed, %d skipped, %d links",
				p.Phase, p.Processed, p.Total, p.Failed, p.Skipped, p.LinksCreated)
			if p.Phase == migrate.PhaseCompleted || p.Phase == migrate.PhaseCancelled {
				fmt.Println()
			}
		},
	})
	return orch, cfg, nil
}
