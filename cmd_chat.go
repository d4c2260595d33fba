package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-elements/internal/conversation"
	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/session"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/stream"
	"github.com/n0madic/go-elements/internal/upstream"
)

const chatLongDesc string = `Chat in the terminal.

With a prompt argument a single reply is streamed to stdout. Without one an
interactive session starts; type /exit or press Ctrl+D to quit.

The most recent conversation is continued unless --conversation or --new is
given. Tools and vector stores default to the configured ones.

Examples:
  elements chat "summarise the release notes"
  elements chat --new --tool web_search "what changed in Go 1.25?"
  elements chat -c 01J... --vector-store vs_abc`

type chatCommander struct {
	flags          *globalFlags
	conversationID string
	newConv        bool
	model          string
	instructions   string
	tools          []string
	vectorStores   []string

	out io.Writer
	err io.Writer
}

func newChatCmd(flags *globalFlags) *cobra.Command {
	cmder := &chatCommander{flags: flags, out: os.Stdout, err: os.Stderr}
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat in the terminal",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&cmder.conversationID, "conversation", "c", "", "Conversation id to continue")
	cmd.Flags().BoolVar(&cmder.newConv, "new", false, "Start a new conversation")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "Model name or alias (default from settings)")
	cmd.Flags().StringVar(&cmder.instructions, "instructions", "", "System instructions for this turn")
	cmd.Flags().StringSliceVar(&cmder.tools, "tool", nil, "Tool to enable: web_search, file_search, code_interpreter (repeatable)")
	cmd.Flags().StringSliceVar(&cmder.vectorStores, "vector-store", nil, "Vector store id for file_search (repeatable)")
	return cmd
}

func (c *chatCommander) run(cmd *cobra.Command, prompt string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := openApp(ctx, c.flags, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireAPIKey(); err != nil {
		return err
	}

	params := conversation.ContinueParams{Instructions: c.instructions}
	if cmd.Flags().Changed("tool") {
		tools, err := upstream.ParseToolKinds(c.tools)
		if err != nil {
			return err
		}
		if tools == nil {
			tools = []upstream.ToolKind{}
		}
		params.Tools = tools
	}
	if cmd.Flags().Changed("vector-store") {
		params.VectorStoreIDs = append([]string{}, c.vectorStores...)
	}
	if strings.TrimSpace(c.model) != "" {
		params.Model = models.NormalizeModelName(c.model)
	}

	conv, err := c.pickConversation(ctx, a)
	if err != nil {
		return err
	}
	params.ConversationID = conv.ID
	fmt.Fprintf(c.err, "conversation %s\n", conv.ID)

	if strings.TrimSpace(prompt) != "" {
		params.Input = prompt
		return c.turn(ctx, a, params)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(c.err, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.err)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/exit" {
			return nil
		}
		params.Input = input
		if err := c.turn(ctx, a, params); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(c.err, "error: %v\n", err)
		}
	}
}

func (c *chatCommander) pickConversation(ctx context.Context, a *app) (*store.Conversation, error) {
	if id := strings.TrimSpace(c.conversationID); id != "" {
		conv, err := a.store.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		return conv, err
	}
	if !c.newConv {
		recent, err := a.store.ListConversations(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 {
			return &recent[0], nil
		}
	}
	return a.store.CreateConversation(ctx, "", "")
}

// turn streams one reply to stdout. Progress goes to stderr.
func (c *chatCommander) turn(ctx context.Context, a *app, params conversation.ContinueParams) error {
	cb := conversation.Callbacks{
		Callbacks: session.Callbacks{
			OnTextDelta: func(delta string) { fmt.Fprint(c.out, delta) },
			OnToolCall: func(evt stream.Event) {
				fmt.Fprintf(c.err, "\n[%s]\n", toolLabel(evt))
			},
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			fmt.Fprintf(c.err, "\n[retry %d in %s: %v]\n", attempt, wait.Round(time.Millisecond), err)
		},
	}

	turn, err := a.conversations.Continue(ctx, params, cb)
	if err != nil {
		return err
	}
	select {
	case <-turn.Done():
	case <-ctx.Done():
		turn.Close()
		<-turn.Done()
		fmt.Fprintln(c.out)
		return ctx.Err()
	}
	fmt.Fprintln(c.out)
	return turn.Wait()
}

// toolLabel renders a tool event as "<type> <name or status>".
func toolLabel(evt stream.Event) string {
	label := strings.TrimPrefix(evt.Type, "response.")
	if name := evt.Get("name").String(); name != "" {
		return label + " " + name
	}
	if q := gjson.GetBytes(evt.Raw, "item.action.query").String(); q != "" {
		return label + " " + q
	}
	return label
}
