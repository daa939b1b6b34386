package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/claimrisk/internal/config"
	"github.com/ehr/claimrisk/internal/domain/episode"
	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/export"
	"github.com/ehr/claimrisk/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "claimrisk",
		Short:        "Claim/remittance linking, denial pattern learning and claim risk scoring",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(unlinkedCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads config, wires the pipeline and runs fn against it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(kind, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, s, err)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DBSchema
			}
			if !db.ValidSchema(schema) {
				return fmt.Errorf("invalid schema name %q", schema)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations())
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DBSchema
			}
			if !db.ValidSchema(schema) {
				return fmt.Errorf("invalid schema name %q", schema)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <remittance-id>",
		Short: "Link a remittance to its claims",
		Long: "Links by claim control number, falling back to payer and service date.\n" +
			"With --claim, links the remittance to that claim only.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remID, err := parseID("remittance", args[0])
			if err != nil {
				return err
			}
			claimArg, _ := cmd.Flags().GetString("claim")
			return withApp(func(ctx context.Context, a *app) error {
				if claimArg != "" {
					claimID, err := parseID("claim", claimArg)
					if err != nil {
						return err
					}
					ep, err := a.linker.LinkByIDs(ctx, claimID, remID)
					if err != nil {
						return err
					}
					return printJSON(cmd, ep)
				}
				eps, err := a.linker.LinkRemittance(ctx, remID)
				if err != nil {
					return err
				}
				return printJSON(cmd, eps)
			})
		},
	}
	cmd.Flags().String("claim", "", "Link to this claim id only")
	return cmd
}

func completeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <episode-id>",
		Short: "Complete an episode once its remittance is processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("episode", args[0])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			return withApp(func(ctx context.Context, a *app) error {
				complete := a.linker.CompleteIfReady
				if force {
					complete = a.linker.MarkComplete
				}
				ep, err := complete(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, ep)
			})
		},
	}
	cmd.Flags().Bool("force", false, "Complete regardless of remittance status")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <episode-id> <PENDING|LINKED|COMPLETE>",
		Short: "Move an episode to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("episode", args[0])
			if err != nil {
				return err
			}
			status, err := episode.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				ep, err := a.linker.UpdateStatus(ctx, id, status)
				if err != nil {
					return err
				}
				return printJSON(cmd, ep)
			})
		},
	}
}

func unlinkedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlinked",
		Short: "List claims that have no episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(func(ctx context.Context, a *app) error {
				items, err := a.linker.UnlinkedClaims(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, items)
			})
		},
	}
	cmd.Flags().Int("limit", 100, "Maximum claims to list")
	return cmd
}

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Learn denial patterns for one payer or all payers",
		RunE: func(cmd *cobra.Command, args []string) error {
			payerArg, _ := cmd.Flags().GetString("payer")
			days, _ := cmd.Flags().GetInt("days")
			return withApp(func(ctx context.Context, a *app) error {
				if days <= 0 {
					days = a.cfg.DetectDaysBack
				}
				if payerArg != "" {
					payerID, err := parseID("payer", payerArg)
					if err != nil {
						return err
					}
					found, err := a.detector.DetectForPayer(ctx, payerID, days)
					if err != nil {
						return err
					}
					return printJSON(cmd, found)
				}
				all, err := a.detector.DetectAll(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(cmd, all)
			})
		},
	}
	cmd.Flags().String("payer", "", "Payer id (default: every payer)")
	cmd.Flags().Int("days", 0, "Look-back window in days (defaults to DETECT_DAYS_BACK)")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <claim-id>",
		Short: "Calculate a claim's risk score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("claim", args[0])
			if err != nil {
				return err
			}
			cached, _ := cmd.Flags().GetBool("cached")
			return withApp(func(ctx context.Context, a *app) error {
				get := a.scorer.Score
				if cached {
					get = a.scorer.Get
				}
				s, err := get(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}
	cmd.Flags().Bool("cached", false, "Show the stored score instead of recalculating")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export patterns or risk scores to Parquet",
	}

	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Write every payer's denial patterns to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return withApp(func(ctx context.Context, a *app) error {
				ids, err := a.payers.ListIDs(ctx)
				if err != nil {
					return err
				}
				var all []*pattern.DenialPattern
				for _, id := range ids {
					ps, err := a.detector.PatternsForPayer(ctx, id)
					if err != nil {
						return err
					}
					all = append(all, ps...)
				}
				return writeFile(cmd, out, func(f *os.File) (int, error) {
					return export.WritePatterns(f, all)
				})
			})
		},
	}
	patternsCmd.Flags().String("out", "patterns.parquet", "Output file")
	cmd.AddCommand(patternsCmd)

	scoresCmd := &cobra.Command{
		Use:   "scores",
		Short: "Write the most recent risk scores to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(func(ctx context.Context, a *app) error {
				scores, err := a.scorer.List(ctx, limit)
				if err != nil {
					return err
				}
				return writeFile(cmd, out, func(f *os.File) (int, error) {
					return export.WriteScores(f, scores)
				})
			})
		},
	}
	scoresCmd.Flags().String("out", "risk_scores.parquet", "Output file")
	scoresCmd.Flags().Int("limit", 10000, "Maximum scores to export")
	cmd.AddCommand(scoresCmd)

	return cmd
}

func writeFile(cmd *cobra.Command, path string, write func(f *os.File) (int, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	n, err := write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows to %s\n", n, path)
	return nil
}
