// Package satcli implements the dawn-satellite command line: an interactive
// text satellite plus identity management.
//
// Settings resolve in viper's order: command-line flags, DAWN_* environment
// variables, then the TOML config file.
package satcli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the root command with ctx.
func Execute(ctx context.Context, version string) error {
	return NewRootCmd(version).ExecuteContext(ctx)
}

// NewRootCmd returns the dawn-satellite command tree. Each call uses its own
// viper instance.
func NewRootCmd(version string) *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "dawn-satellite",
		Short:         "Dawn satellite: talk to the dawnd voice assistant over DAP2",
		Long:          "dawn-satellite registers a device with the dawnd daemon, keeps the link alive across network drops and relays queries typed on the terminal.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := readConfig(v); err != nil {
				return err
			}
			var level slog.Level
			if err := level.UnmarshalText([]byte(v.GetString(keyLogLevel))); err != nil {
				return fmt.Errorf("log_level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	bindFlags(rootCmd, v)
	v.SetEnvPrefix("DAWN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(
		newVersionCmd(version),
		newIdentityCmd(v),
		newRunCmd(v),
	)
	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
