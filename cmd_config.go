package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-elements/internal/config"
)

const configLongDesc string = `Manage persisted settings.

Settings written with "config set" are stored in the database and override
the .env file and the environment.

Examples:
  elements config set openai_api_key sk-...
  elements config set vector_store_id vs_team_docs
  elements config get model_default
  elements config show`

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage persisted settings",
		Long:  configLongDesc,
	}

	var reveal bool
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the resolved value of a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateKey(args[0]); err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			value := a.loader.Get(args[0])
			if !reveal && config.IsSecretKey(args[0]) {
				value = config.Mask(value)
			}
			fmt.Println(value)
			return nil
		},
	}
	get.Flags().BoolVar(&reveal, "reveal", false, "Print secrets unmasked")

	cmd.AddCommand(
		get,
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Persist a setting",
			Args:  cobra.ExactArgs(2),
			ValidArgsFunction: func(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
				if len(args) == 0 {
					return config.KnownKeys(), cobra.ShellCompDirectiveNoFileComp
				}
				return nil, cobra.ShellCompDirectiveNoFileComp
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.ValidateKey(args[0]); err != nil {
					return err
				}
				a, err := openApp(cmd.Context(), flags, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()
				if a.cfg.SafeMode {
					fmt.Fprintln(os.Stderr, "safe mode: the setting only lasts for this process")
				}
				return a.store.SetSetting(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "unset <key>",
			Short: "Remove a persisted setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.ValidateKey(args[0]); err != nil {
					return err
				}
				a, err := openApp(cmd.Context(), flags, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()
				return a.store.DeleteSetting(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print every resolved setting, secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := openApp(cmd.Context(), flags, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()
				fmt.Printf("data dir: %s\n\n", a.cfg.DataDir)
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, kv := range a.loader.Settings() {
					fmt.Fprintf(tw, "%s\t%s\n", kv[0], kv[1])
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}
