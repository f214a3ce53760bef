// Package botctl implements the command line client for the bot manager API.
package botctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	contextName    string
	overrideURL    string
	overrideToken  string
	outputFormat   string
	requestTimeout time.Duration

	appConfig *Config

	// commandFailed is set by exitWithError so Execute can report a non-zero exit.
	commandFailed bool
)

// ErrCommandFailed is returned by Execute after a command printed its own error.
var ErrCommandFailed = errors.New("command failed")

// Execute runs the CLI. Interrupts cancel in-flight requests and streams.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return err
	}
	if commandFailed {
		return ErrCommandFailed
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "botctl",
	Short: "Control the trading bot container",
	Long: `botctl talks to the bot manager API to start, stop, rebuild and
reconfigure the trading bot container.
Most commands require a configured context (see 'botctl config set-context').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "botctl config") {
			return nil
		}
		if appConfig == nil {
			var err error
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the botctl config file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override API server URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override API token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 15*time.Second, "Timeout for quick API calls")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(dataCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
}

// resolvedContext merges config state with flag overrides. A --server flag
// alone is enough to talk to an API without any saved context.
func resolvedContext() (*Context, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok && overrideURL == "" {
		return nil, fmt.Errorf("context %q not found; use 'botctl config set-context'", ctxName)
	}
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	if ctx.Server == "" {
		return nil, fmt.Errorf("context %q is missing a server URL", ctxName)
	}
	return &ctx, nil
}

func mustClient() (*Client, *Context, error) {
	ctx, err := resolvedContext()
	if err != nil {
		return nil, nil, err
	}
	client := &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: requestTimeout,
	}
	return client, ctx, nil
}

func writeOutput(cmd *cobra.Command, data interface{}) error {
	switch strings.ToLower(outputFormat) {
	case "json":
		return printJSON(data)
	case "table", "":
		// Table is handled by the caller.
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

func jsonOutput() bool {
	return strings.EqualFold(outputFormat, "json")
}

func exitWithError(cmd *cobra.Command, err error) {
	cmd.SilenceUsage = true
	commandFailed = true
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
