package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/llmchat/internal/chat"
	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/session"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/spf13/cobra"
)

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message on the active chat and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd.Context(), strings.Join(args, " "))
		},
	}
}

func newNewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new chat and make it active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.create(cmd.Context())
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list()
		},
	}
}

func newUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use <chat-id>",
		Short: "Make a chat active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.use(cmd.Context(), args[0])
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.remove(cmd.Context(), args[0])
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [chat-id]",
		Short: "Print the messages of a chat (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := a.sessions.ActiveID()
			if len(args) == 1 {
				id = args[0]
			}
			return a.show(id)
		},
	}
}

func (a *app) send(ctx context.Context, text string) error {
	sink := &terminalSink{out: a.out}
	_, err := a.ctrl.Submit(ctx, a.sessions.ActiveID(), text, sink)
	if err != nil {
		var te *chat.TransportError
		if !errors.As(err, &te) {
			fmt.Fprintln(a.out, chat.Describe(err))
		}
		return err
	}
	return nil
}

func (a *app) create(ctx context.Context) error {
	cs, err := a.sessions.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Started %s\n", cs.ID)
	return nil
}

func (a *app) list() error {
	active := a.sessions.ActiveID()
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, cs := range a.sessions.ListByRecency() {
		marker := " "
		if cs.ID == active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, cs.ID, cs.Title, cs.LastUpdated.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// checkID reports ids the user typed that name no chat. The store panics on
// unknown ids in development mode, so commands check before calling it.
func (a *app) checkID(id string) error {
	for _, cs := range a.sessions.ListByRecency() {
		if cs.ID == id {
			return nil
		}
	}
	err := fmt.Errorf("%w: %q", session.ErrNotFound, id)
	fmt.Fprintln(a.out, chat.Describe(err))
	return err
}

func (a *app) use(ctx context.Context, id string) error {
	if err := a.checkID(id); err != nil {
		return err
	}
	cs, err := a.sessions.Load(ctx, id)
	if err != nil {
		fmt.Fprintln(a.out, chat.Describe(err))
		return err
	}
	fmt.Fprintf(a.out, "Switched to %q\n", cs.Title)
	return nil
}

func (a *app) remove(ctx context.Context, id string) error {
	if err := a.checkID(id); err != nil {
		return err
	}
	if err := a.sessions.Delete(ctx, id); err != nil {
		fmt.Fprintln(a.out, chat.Describe(err))
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", id)
	return nil
}

func (a *app) show(id string) error {
	if err := a.checkID(id); err != nil {
		return err
	}
	cs, err := a.sessions.Get(id)
	if err != nil {
		fmt.Fprintln(a.out, chat.Describe(err))
		return err
	}
	fmt.Fprintf(a.out, "# %s\n", cs.Title)
	for _, m := range cs.Messages {
		fmt.Fprintf(a.out, "\n[%s]\n%s\n", m.Role, m.Content)
	}
	return nil
}

// interactive reads lines from in until EOF or /quit. Plain lines are sent
// on the active chat; errors are printed and the loop continues.
func (a *app) interactive(ctx context.Context, in io.Reader) error {
	if err := a.show(a.sessions.ActiveID()); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(a.out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(a.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/new":
			err = a.create(ctx)
		case "/list":
			err = a.list()
		case "/use":
			err = a.use(ctx, arg)
		case "/delete":
			err = a.remove(ctx, arg)
		case "/show":
			err = a.show(a.sessions.ActiveID())
		default:
			err = a.send(ctx, line)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Debug("command failed", "command", cmd, "error", err)
		}
	}
}

// terminalSink prints each snapshot's new suffix, so the reply appears as it
// streams in.
type terminalSink struct {
	out     io.Writer
	printed int
}

func (s *terminalSink) Render(snap stream.Snapshot) error {
	if len(snap.Text) > s.printed {
		if _, err := io.WriteString(s.out, snap.Text[s.printed:]); err != nil {
			return err
		}
		s.printed = len(snap.Text)
	}
	if snap.Final {
		_, err := io.WriteString(s.out, "\n")
		return err
	}
	return nil
}

func (s *terminalSink) Fail(text string) {
	if s.printed > 0 {
		fmt.Fprintln(s.out)
	}
	fmt.Fprintf(s.out, "[%s] %s\n", domain.RoleAssistant, text)
}
