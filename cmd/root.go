// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/observability"
)

const (
	envPrefix         = "PAGEAGENT"
	defaultConfigPath = "~/.page-agent/config.yaml"
)

// app carries the state shared by the subcommands of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	// launch opens the browser backing exec, state and serve.
	launch launcher
}

// NewRootCommand builds a fresh command tree. Each call is independent, so
// tests can run commands side by side without sharing flags or config.
func NewRootCommand() *cobra.Command {
	return newRootCmd(&app{v: viper.New(), launch: launchBrowser})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "page-agent",
		Short:         "page-agent drives a browser page through reviewed agent tool calls.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.v, a.cfgFile)
			if err != nil {
				// Errors still need somewhere to go.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "page-agent"})
				return err
			}
			a.cfg = cfg

			observability.InitializeLogger(cfg.Logger())
			a.logger = observability.GetLogger()
			a.logger.Debug("Starting page-agent", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is "+defaultConfigPath+")")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newServeCmd(a),
		newExecCmd(a),
		newStateCmd(a),
		newToolsCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command with ctx, logging failures.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Command canceled.")
			return err
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig layers defaults, the config file and PAGEAGENT_* variables.
// A missing file at the default location is not an error; a missing file
// named with --config is.
func loadConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	config.SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := cfgFile
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path %q: %w", path, err)
	}

	if _, statErr := os.Stat(expanded); statErr == nil || explicit {
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return config.NewConfigFromViper(v)
}
