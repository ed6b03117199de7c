package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootConfig carries the persistent flags and the configured logger into
// subcommands.
type rootConfig struct {
	ConfigPath string
	LogLevel   string
	NoColor    bool

	Log zerolog.Logger
}

func NewRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "riskd",
		Short:         "riskd — automated risk enforcement for trading accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "Path to YAML config file (optional)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().BoolVar(&rc.NoColor, "no-color", false, "Disable colored output")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(rc.LogLevel)
		if err != nil {
			return fmt.Errorf("log-level: %w", err)
		}
		out := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: rc.NoColor}
		rc.Log = zerolog.New(out).Level(level).With().Timestamp().Logger()
		return nil
	}

	cmd.AddCommand(
		newRunCmd(rc),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("riskd (dev)")
		},
	})

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
