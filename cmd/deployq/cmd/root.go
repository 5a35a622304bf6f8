package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deployq/deployq/internal/common"
	commonconfig "github.com/deployq/deployq/internal/common/config"
	"github.com/deployq/deployq/internal/deployq"
	"github.com/deployq/deployq/internal/deployq/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "deployq",
		SilenceUsage: true,
		Short:        "Priority-ordered admission of deployments onto clusters",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		clusterCmd(),
		submitCmd(),
		statusCmd(),
		processCmd(),
		completeCmd(),
		failCmd(),
		releaseCmd(),
		sweepCmd(),
		rebalanceCmd(),
		metricsCmd(),
	)

	return cmd
}

func loadConfig() (configuration.DeployqConfig, error) {
	var config configuration.DeployqConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/deployq", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}

// withComponents loads the config and connects to the stores for the duration of action.
func withComponents(action func(ctx context.Context, c *deployq.Components) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	components, err := deployq.NewComponents(ctx, config)
	if err != nil {
		return err
	}
	defer components.Close()
	return action(ctx, components)
}
