package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-elements/internal/store"
)

func newConversationsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}
	cmd.AddCommand(newConversationsListCmd(flags))
	cmd.AddCommand(newConversationsShowCmd(flags))
	cmd.AddCommand(newConversationsNewCmd(flags))
	cmd.AddCommand(newConversationsDeleteCmd(flags))
	return cmd
}

func newConversationsListCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.store.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations yet. Start one with: elements chat --new")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, formatLocalDateTime(c.UpdatedAt), c.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "Maximum number of conversations")
	return cmd
}

func newConversationsShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.store.GetConversation(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			msgs, err := a.store.ListMessages(cmd.Context(), conv.ID)
			if err != nil {
				return err
			}

			title := conv.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s\n", conv.ID, title)
			if conv.LastResponseID != "" {
				fmt.Printf("last response: %s\n", conv.LastResponseID)
			}
			for _, m := range msgs {
				fmt.Printf("\n%s [%s]\n", strings.ToUpper(m.Role), m.CreatedAt.Local().Format(time.DateTime))
				fmt.Println(m.Content)
				if len(m.ToolCalls) > 0 {
					fmt.Printf("(%d tool events)\n", len(m.ToolCalls))
				}
			}
			return nil
		},
	}
}

func newConversationsNewCmd(flags *globalFlags) *cobra.Command {
	var l3Store string
	cmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Create an empty conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.store.CreateConversation(cmd.Context(), strings.Join(args, " "), l3Store)
			if err != nil {
				return err
			}
			fmt.Println(conv.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&l3Store, "vector-store", "", "Conversation-scoped (L3) vector store id")
	return cmd
}

func newConversationsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.DeleteConversation(cmd.Context(), args[0])
		},
	}
}
