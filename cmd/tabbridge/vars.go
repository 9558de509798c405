package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/config"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "0.2.0-dev"

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tabbridge",
		Short: "TabBridge - browser control bridge",
		Long: `TabBridge connects a local automation daemon to a running browser:
it dials the daemon's WebSocket, announces its method catalog, and serves
tab, page, cookie, and storage commands over the channel.

Just type 'tabbridge run' to start the bridge in the foreground.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.tabbridge/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(ReconnectCmd())
	rootCmd.AddCommand(ConfigCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// loadConfig loads the bridge configuration, honoring --config.
func loadConfig() *config.Config {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	return cfg
}
