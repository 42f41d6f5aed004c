package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/ehr-access/internal/config"
	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository/postgres"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/clinician"
	"github.com/jwalitptl/ehr-access/internal/service/patient"
	"github.com/jwalitptl/ehr-access/pkg/auth"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

// Operator actions are audited under the nil actor id.
var operatorID = uuid.Nil

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Manage patients",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a patient and print their id",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")

			cfg, db, err := connect(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			repos := postgres.NewRepositories(db)
			svc := patient.NewService(repos.Patients, audit.NewService(repos.Audit, newLogger(cfg)))
			p, err := svc.Create(cmd.Context(), operatorID, patient.CreateRequest{Name: name, Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "full name")
	addCmd.Flags().String("email", "", "notification address")
	cmd.AddCommand(addCmd)

	return cmd
}

func clinicianCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinician",
		Short: "Manage clinicians and their organizational placement",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a clinician and print their id",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			org, _ := cmd.Flags().GetString("org")
			unit, _ := cmd.Flags().GetString("unit")

			svc, closeDB, err := clinicianService(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			c, err := svc.Create(cmd.Context(), operatorID, clinician.CreateRequest{
				Name:  name,
				Email: email,
				Org:   policy.OrgID(org),
				Unit:  policy.UnitID(unit),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "full name")
	addCmd.Flags().String("email", "", "notification address")
	addCmd.Flags().String("org", "", "organization id")
	addCmd.Flags().String("unit", "", "unit id")
	cmd.AddCommand(addCmd)

	moveCmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Change a clinician's organization and unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid clinician id: %w", err)
			}
			org, _ := cmd.Flags().GetString("org")
			unit, _ := cmd.Flags().GetString("unit")

			svc, closeDB, err := clinicianService(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			c, err := svc.Move(cmd.Context(), operatorID, id, clinician.MoveRequest{
				Org:  policy.OrgID(org),
				Unit: policy.UnitID(unit),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now in %s/%s\n", c.ID, c.OrganizationID, c.UnitID)
			return nil
		},
	}
	moveCmd.Flags().String("org", "", "new organization id")
	moveCmd.Flags().String("unit", "", "new unit id")
	cmd.AddCommand(moveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop a clinician from authenticating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid clinician id: %w", err)
			}

			svc, closeDB, err := clinicianService(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if _, err := svc.Deactivate(cmd.Context(), operatorID, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deactivated\n", id)
			return nil
		},
	})

	return cmd
}

func clinicianService(cmd *cobra.Command) (*clinician.Service, func(), error) {
	cfg, db, err := connect(cmd)
	if err != nil {
		return nil, nil, err
	}
	repos := postgres.NewRepositories(db)
	svc := clinician.NewService(repos.Clinicians, audit.NewService(repos.Audit, newLogger(cfg)))
	return svc, func() { db.Close() }, nil
}

func issueTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a bearer token for a patient or clinician",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			subject, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid --subject: %w", err)
			}
			if !model.Role(role).Valid() {
				return fmt.Errorf("invalid --role %q", role)
			}

			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			token, err := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer).Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "patient or clinician id")
	cmd.Flags().String("role", string(model.RoleClinician), "clinician or patient")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
