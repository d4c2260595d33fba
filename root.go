package main

import (
	"github.com/spf13/cobra"
)

const rootLongDesc string = `elements streams OpenAI Responses API replies into persistent
conversations, manages layered vector stores and relays both over HTTP.

Settings are read from defaults, <data dir>/.env, ELEMENTS_* environment
variables and the settings table, each layer overriding the previous one.

Commands:
  elements serve                     Run the relay server
  elements chat [prompt]             Chat in the terminal
  elements conversations list        List conversations
  elements vector list               List vector stores
  elements models                    List available models
  elements check-key                 Validate the API key
  elements config show               Print the resolved settings`

const rootShortDesc string = "elements - streaming Responses API client"

type globalFlags struct {
	dataDir  string
	debug    bool
	safeMode bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "elements",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (default: per-user config dir, or $ELEMENTS_HOME)")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.safeMode, "safe-mode", false, "Keep everything in memory and never touch the data directory")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newChatCmd(flags))
	cmd.AddCommand(newConversationsCmd(flags))
	cmd.AddCommand(newVectorCmd(flags))
	cmd.AddCommand(newModelsCmd(flags))
	cmd.AddCommand(newCheckKeyCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))

	return cmd
}
