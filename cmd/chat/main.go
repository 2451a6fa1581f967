// Command chat is a terminal client for the chat server. Conversations are
// kept in a local SQLite file and streamed replies are printed as they
// arrive.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/llmchat/internal/chat"
	"github.com/ashureev/llmchat/internal/config"
	"github.com/ashureev/llmchat/internal/session"
	"github.com/ashureev/llmchat/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	transportHTTP      = "http"
	transportWebSocket = "ws"
)

type options struct {
	verbose   bool
	serverURL string
	dbPath    string
	transport string
	model     string
}

// app holds what every subcommand needs once the root command has run its
// pre-run hook.
type app struct {
	opts     options
	out      io.Writer
	logger   *slog.Logger
	kv       *store.SQLiteKV
	sessions *session.Store
	ctrl     *chat.Controller
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a language model from the terminal",
		Long: `Chat with a language model through an llmchat server.

Run without a subcommand to start an interactive session on the active chat.
Lines starting with / are commands: /new, /list, /use <id>, /delete <id>,
/show and /quit.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.interactive(cmd.Context(), cmd.InOrStdin())
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.opts.serverURL, "server", "", "Chat server URL (or set CHAT_SERVER_URL)")
	flags.StringVar(&a.opts.dbPath, "db", "", "Conversation database path (or set CHAT_DB_PATH)")
	flags.StringVar(&a.opts.transport, "transport", transportHTTP, "Streaming transport: http or ws")
	flags.StringVar(&a.opts.model, "model", "", "Model to request (or set CHAT_MODEL)")

	root.AddCommand(
		newSendCmd(a),
		newNewCmd(a),
		newListCmd(a),
		newUseCmd(a),
		newDeleteCmd(a),
		newShowCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()

	level := slog.LevelWarn
	if a.opts.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if err := godotenv.Load(); err != nil {
		a.logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if a.opts.serverURL != "" {
		cfg.ServerURL = a.opts.serverURL
	}
	if a.opts.dbPath != "" {
		cfg.DBPath = a.opts.dbPath
	}
	if a.opts.model != "" {
		cfg.Model = a.opts.model
	}

	var transport chat.Transport
	switch a.opts.transport {
	case transportHTTP:
		transport = chat.NewHTTPTransport(cfg.ServerURL, nil)
	case transportWebSocket:
		transport, err = chat.NewWebSocketTransport(cfg.ServerURL)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", a.opts.transport, transportHTTP, transportWebSocket)
	}

	a.kv, err = store.NewSQLite(cfg.DBPath, a.logger)
	if err != nil {
		return fmt.Errorf("open conversation database: %w", err)
	}
	a.sessions, err = session.Open(cmd.Context(), a.kv,
		session.WithGreeting(cfg.Greeting),
		session.WithStrict(cfg.Development),
		session.WithLogger(a.logger),
	)
	if err != nil {
		_ = a.kv.Close()
		return fmt.Errorf("load conversations: %w", err)
	}
	a.ctrl = chat.NewController(a.sessions, transport, cfg.Model, a.logger)
	return nil
}

func (a *app) close() error {
	if a.kv == nil {
		return nil
	}
	err := a.kv.Close()
	a.kv = nil
	return err
}
