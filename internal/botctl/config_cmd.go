package botctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		makeCurrent, _ := cmd.Flags().GetBool("current")

		if server == "" {
			exitWithError(cmd, fmt.Errorf("--server is required"))
			return
		}
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		setContext(cfg, Context{Name: name, Server: server, Token: token}, makeCurrent)
		if err := SaveConfig(cfg, cfgFile); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", name)
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := ensureContextExists(cfg, args[0]); err != nil {
			exitWithError(cmd, err)
			return
		}
		cfg.CurrentContext = args[0]
		if err := SaveConfig(cfg, cfgFile); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Remove a context",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := deleteContext(cfg, args[0]); err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := SaveConfig(cfg, cfgFile); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q deleted.\n", args[0])
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the configured contexts (tokens are masked)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		masked := make([]Context, 0, len(cfg.Contexts))
		for _, name := range contextNames(cfg) {
			ctx := cfg.Contexts[name]
			if ctx.Token != "" {
				ctx.Token = "********"
			}
			masked = append(masked, ctx)
		}
		if jsonOutput() {
			if err := printJSON(map[string]interface{}{"currentContext": cfg.CurrentContext, "contexts": masked}); err != nil {
				exitWithError(cmd, err)
			}
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", cfgFile)
		tw := newTable()
		fmt.Fprintf(tw, "CURRENT\tNAME\tSERVER\tTOKEN\n")
		for _, ctx := range masked {
			current := ""
			if cfg.CurrentContext == ctx.Name {
				current = "*"
			}
			token := "-"
			if ctx.Token != "" {
				token = ctx.Token
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", current, ctx.Name, ctx.Server, token)
		}
		flushTable(tw)
	},
}

func init() {
	configSetContextCmd.Flags().String("server", "", "API server URL")
	configSetContextCmd.Flags().String("token", "", "API token")
	configSetContextCmd.Flags().Bool("current", true, "Set as current context")
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configViewCmd)
}
