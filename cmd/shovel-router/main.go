// ABOUTME: Entry point for shovel-router, the conversation routing engine
// ABOUTME: Cobra root command, shared config resolution and the startup banner

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/shovel-router/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                    _                        _
 ___| |__   _____   _____| |      _ __ ___  _   _| |_ ___ _ __
/ __| '_ \ / _ \ \ / / _ \ |_____| '__/ _ \| | | | __/ _ \ '__|
\__ \ | | | (_) \ V /  __/ |_____| | | (_) | |_| | ||  __/ |
|___/_| |_|\___/ \_/ \___|_|     |_|  \___/ \__,_|\__\___|_|
`

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shovel-router",
	Short:         "Conversation routing and state machine engine",
	Long:          color.New(color.FgCyan).Sprint(banner) + "\nRoutes support conversations between automation and human queues.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $SHOVEL_CONFIG, ./config.yaml, ~/.config/shovel/router.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(operatorsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag or the first default location
// that exists. An empty result means defaults plus environment only.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the resolved config file, or the environment alone when
// no file exists.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, "", fmt.Errorf("loading config from environment: %w", err)
		}
		return cfg, "(environment)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shovel-router %s\n", version)
	},
}
