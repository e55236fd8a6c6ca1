package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/devicekit/internal/infrastructure/config"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "devicekit",
		Short:         "Run and inspect device servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "configuration file")

	cmd.AddCommand(
		newServeCommand(opts),
		newContextCommand(opts),
		newDiscoverCommand(),
		newIORCommand(),
		newClassesCommand(),
		newVersionCommand(),
	)
	return cmd
}

func getConfigPath() string {
	if path := os.Getenv("DEVICEKIT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the configuration file. The default path may be
// absent; an explicit one must exist.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the devicekit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "devicekit %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}
