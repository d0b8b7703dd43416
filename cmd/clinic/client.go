package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samehmaged/Minya-diabetes-system/internal/archive"
	"github.com/samehmaged/Minya-diabetes-system/internal/assistant"
	"github.com/samehmaged/Minya-diabetes-system/internal/config"
	"github.com/samehmaged/Minya-diabetes-system/internal/console"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/blobstore"
	"github.com/samehmaged/Minya-diabetes-system/internal/qrcard"
	"github.com/samehmaged/Minya-diabetes-system/internal/store"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/local"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/replicated"
	"github.com/samehmaged/Minya-diabetes-system/internal/workflow"
)

// openStore opens the backend named by STORE_BACKEND.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendReplicated:
		st, err := replicated.New(cfg.SyncURL, logger, replicated.Options{})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		st, err := local.Open(cfg.LocalDBPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

// newExporter uploads to the archive bucket when one is configured.
func newExporter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*archive.Exporter, error) {
	if cfg.ArchiveBucket == "" {
		return archive.NewExporter(nil, logger), nil
	}
	s3store, err := blobstore.NewS3Store(ctx, cfg.ArchiveBucket)
	if err != nil {
		return nil, err
	}
	return archive.NewExporter(s3store, logger), nil
}

func consoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the clinic front end in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, _ := cmd.Flags().GetString("out")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Logs go to stderr so they do not interleave with the prompt.
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			exporter, err := newExporter(ctx, cfg, logger)
			if err != nil {
				return err
			}
			loc, _ := cfg.Location()

			opts := workflow.Options{
				Store:      st,
				Logger:     logger,
				DoctorName: cfg.DoctorName,
				Location:   loc,
			}
			if cfg.AssistantEnabled() {
				g, err := assistant.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTTSModel, logger)
				if err != nil {
					return err
				}
				opts.Summarizer = g
				opts.Speaker = g
			}

			c := console.New(cmd.InOrStdin(), cmd.OutOrStdout(), console.Options{
				App:      workflow.New(opts),
				Printer:  qrcard.NewPrinter(cfg.CardDir, qrcard.DefaultSize, logger),
				Exporter: exporter,
				OutDir:   outDir,
				Logger:   logger,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s, %s. Type help for commands.\n", cfg.BranchName, cfg.DoctorName)
			return c.Run(ctx)
		},
	}
	cmd.Flags().String("out", ".", "Directory for exported archives and audio")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the full visit archive as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, _ := cmd.Flags().GetString("out")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)
			ctx := context.Background()

			st, closeStore, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			exporter, err := newExporter(ctx, cfg, logger)
			if err != nil {
				return err
			}
			loc, _ := cfg.Location()
			path, err := exportArchive(ctx, st, exporter, time.Now().In(loc), outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("out", ".", "Directory to write the archive to")
	return cmd
}

// exportArchive writes the archive of st into dir. A failed upload still
// leaves the local file behind.
func exportArchive(ctx context.Context, st store.Store, exp *archive.Exporter, day time.Time, dir string) (string, error) {
	patients, err := st.ListPatients(ctx)
	if err != nil {
		return "", err
	}
	visits, err := st.ListVisits(ctx)
	if err != nil {
		return "", err
	}
	res, uploadErr := exp.Export(ctx, day, patients, visits)
	if len(res.Content) == 0 {
		return "", uploadErr
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, res.Name)
	if err := os.WriteFile(path, res.Content, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, uploadErr
}
