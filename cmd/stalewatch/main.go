package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesm/stalewatch/config"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "stalewatch",
		Short: "Watch GitHub repositories for stale issues and email their owners",
		Long: fmt.Sprintf(`stalewatch syncs issues from watched GitHub repositories, flags the
ones that match a staleness rule and emails the repository owner.

Every config key can be overridden with a %s_* environment variable, e.g.
%s_EMAIL_RESEND_API_KEY. A .env file in the working directory is loaded first.`,
			config.EnvPrefix, config.EnvPrefix),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to configuration file")

	root.AddCommand(initCmd(&configPath))
	root.AddCommand(addUserCmd(&configPath))
	root.AddCommand(setPrefsCmd(&configPath))
	root.AddCommand(addRepoCmd(&configPath))
	root.AddCommand(addRuleCmd(&configPath))
	root.AddCommand(syncRepoCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	root.AddCommand(cycleCmd(&configPath))
	root.AddCommand(digestCmd(&configPath))
	root.AddCommand(runCmd(&configPath))
	return root
}
