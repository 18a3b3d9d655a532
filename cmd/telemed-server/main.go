package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/watch"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "telemed-server",
		Short:        "Telemedicine consultation review API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reextractCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(watchCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			applied, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("migrations apply to the postgres store only (STORE_DRIVER=%s)", cfg.StoreDriver)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(cmd.Context(), poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func reextractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reextract",
		Short: "Re-run extraction for stored transcripts",
		Long: "Re-runs recognition and categorization for every session that has a transcript.\n" +
			"Previously captured age and gender are kept when the new pass does not detect them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			retries, _ := cmd.Flags().GetInt("retries")
			opts := consultation.ReextractOptions{Retries: retries, InitialInterval: time.Second}

			return withService(cmd, func(ctx context.Context, app *app) error {
				if sessionID != "" {
					c, err := app.svc.Reextract(ctx, sessionID, opts)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), c.Summarize())
				}

				report, err := app.svc.ReextractAll(ctx, opts)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if n := len(report.Failed); n > 0 {
					return fmt.Errorf("%d session(s) failed", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("session", "", "Re-extract a single session")
	cmd.Flags().Int("retries", 3, "Retries per session while the recognizer is unavailable")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo sessions from the bundled sample transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return withService(cmd, func(ctx context.Context, app *app) error {
				ids, err := app.svc.Seed(ctx, count)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	cmd.Flags().Int("count", 1, "Number of sessions to create")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withService(cmd, func(ctx context.Context, app *app) error {
				items, total, err := app.svc.ListSessions(ctx, limit, offset)
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), items, total, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum sessions to list")
	cmd.Flags().Int("offset", 0, "Sessions to skip")
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Categorize a transcript file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateRecognizer(); err != nil {
				return err
			}

			var text []byte
			if path == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}

			recognizer, categorizer, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			entities, err := recognizer.Recognize(cmd.Context(), string(text))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), categorizer.Categorize(entities, nil))
		},
	}
	cmd.Flags().String("file", "", "Transcript file to categorize (- for stdin)")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest transcripts dropped into the inbox directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			backfill, _ := cmd.Flags().GetBool("backfill")

			return withService(cmd, func(ctx context.Context, app *app) error {
				if dir == "" {
					dir = app.cfg.TranscriptInbox
				}
				if dir == "" {
					return fmt.Errorf("TRANSCRIPT_INBOX or --dir is required")
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				inbox := watch.NewInbox(dir, inboxSubmitter(app.svc), app.logger)
				if backfill {
					n, err := inbox.Backfill(ctx)
					if err != nil {
						return err
					}
					app.logger.Info().Int("files", n).Msg("inbox backfill complete")
				}
				if err := inbox.Start(ctx); err != nil {
					return err
				}
				inbox.Wait()
				return nil
			})
		},
	}
	cmd.Flags().String("dir", "", "Inbox directory (default TRANSCRIPT_INBOX)")
	cmd.Flags().Bool("backfill", true, "Ingest transcripts already in the directory before watching")
	return cmd
}

// inboxSubmitter stores and extracts every transcript file the inbox picks up.
func inboxSubmitter(svc *consultation.Service) watch.SubmitFunc {
	return func(ctx context.Context, sessionID, text string) error {
		_, _, err := svc.SubmitTranscript(ctx, sessionID, text, consultation.SourceInbox, true)
		return err
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
