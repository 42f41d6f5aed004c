package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/ehr-access/internal/config"
	"github.com/jwalitptl/ehr-access/internal/repository/postgres"
	"github.com/jwalitptl/ehr-access/internal/service/access"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
	"github.com/jwalitptl/ehr-access/pkg/security"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "accessctl",
		Short:        "Operator tooling for the record access service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to config.yml")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepGrantsCmd())
	rootCmd.AddCommand(regenerateCodeCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(clinicianCmd())
	rootCmd.AddCommand(issueTokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new master key entry for EHR_MASTER_KEYS",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			key, err := security.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", id, key)
			return nil
		},
	}
	cmd.Flags().String("id", "k1", "key id to prefix the key with")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func sweepGrantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-grants",
		Short: "Deactivate grants whose window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")

			cfg, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := accessService(cfg, db)
			total := 0
			for {
				n, err := svc.ExpireGrants(cmd.Context(), batch)
				if err != nil {
					return fmt.Errorf("sweep failed after %d grants: %w", total, err)
				}
				total += n
				if n < batch {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d grant(s).\n", total)
			return nil
		},
	}
	cmd.Flags().Int("batch", 500, "grants to expire per round")
	return cmd
}

func regenerateCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate-code",
		Short: "Rotate a patient's access code and print the new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("owner")
			ownerID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}

			cfg, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			code, err := accessService(cfg, db).RegenerateAccessCode(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code.Code)
			return nil
		},
	}
	cmd.Flags().String("owner", "", "patient id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func connect(cmd *cobra.Command) (*config.Config, *sqlx.DB, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	db, err := postgres.NewDB(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		JSON:   cfg.Log.JSON,
		Output: os.Stderr,
	}).With("component", "accessctl")
}

func accessService(cfg *config.Config, db *sqlx.DB) *access.Service {
	log := newLogger(cfg)
	repos := postgres.NewRepositories(db)
	return access.NewService(access.Deps{
		Patients:   repos.Patients,
		Clinicians: repos.Clinicians,
		Records:    repos.Records,
		Grants:     repos.Grants,
		Requests:   repos.Requests,
		Codes:      repos.Codes,
		Audit:      audit.NewService(repos.Audit, log),
		Events:     event.NewService(repos.Outbox, log),
		Metrics:    metrics.New("accessctl", prometheus.NewRegistry()),
		Logger:     log,
	}, access.Config{
		GrantTTL:   cfg.Access.GrantTTL(),
		CodeLength: cfg.Access.CodeLength,
	})
}
