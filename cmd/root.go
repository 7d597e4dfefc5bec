// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/config"
	"github.com/xkilldash9x/selfmod/internal/observability"
	"github.com/xkilldash9x/selfmod/internal/service"
)

// contextKey is unexported so values stored by this package cannot collide.
type contextKey string

const configKey contextKey = "config"

var (
	cfgFile       string
	workspaceRoot string
)

// NewRootCommand builds the command tree wired to the production factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "selfmod",
		Short:         "selfmod applies, validates and rolls back automated code changes.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			// 1. Load the config file, if any.
			if err := initializeConfig(v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Build and validate the configuration object.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "selfmod"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}
			if workspaceRoot != "" {
				cfg.SetWorkspaceRoot(workspaceRoot)
			}

			// 3. Logging.
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting selfmod.", zap.String("version", Version))

			// 4. Hand the config to subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./selfmod.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "root", "r", "", "workspace root (overrides workspace.root)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newApplyCmd(factory),
		newFixCmd(factory),
		newWatchCmd(factory),
		newBackupsCmd(factory),
		newRestoreCmd(factory),
		newAuditCmd(factory),
		newRateLimitCmd(factory),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree. Errors are reported here; the caller only
// decides the exit code.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// initializeConfig reads the config file named by --config, or selfmod.yaml
// from the working directory when present.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("selfmod")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}

// initComponents creates the components for one command run.
func initComponents(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, logger *zap.Logger) (*service.Components, error) {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return components, nil
}

// resolveUnder anchors a relative path at root.
func resolveUnder(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
