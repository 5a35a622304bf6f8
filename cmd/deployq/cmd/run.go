package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deployq/deployq/internal/deployq"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler service",
		RunE:  runDeployq,
	}
	return cmd
}

func runDeployq(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return deployq.Run(config)
}

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "Migrates the deployq database to the latest version",
		RunE:  migrateDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the migration fails if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Beginning deployq database migration")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := deployq.MigrateDatabase(ctx, config); err != nil {
		return errors.WithMessage(err, "failed to migrate deployq database")
	}
	log.Infof("deployq database migrated in %s", time.Since(start))
	return nil
}
