// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/observability"
)

const envPrefix = "CLIPPER"

// NewRootCommand builds a fresh command tree wired to the real browser,
// repository and journal.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultDeps())
}

// Execute runs the command line under ctx.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

func newRootCommand(d *deps) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "coupon-clipper",
		Short:         "Clips digital coupons with replayed browser sessions.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return err
			}
			// Command flags override the file and the environment.
			if f := cmd.Flags().Lookup("headless"); f != nil {
				if err := v.BindPFlag("browser.headless", f); err != nil {
					return err
				}
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			config.Set(cfg)
			d.cfg = cfg
			d.logger = d.newLogger(cfg.Logger)
			d.logger.Debug("Configuration loaded.", zap.String("version", Version))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newClipCmd(d),
		newSitesCmd(d),
		newTokenCmd(d),
		newVersionCmd(),
	)
	return root
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}
