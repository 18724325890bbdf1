package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/roomsync/internal/client"
	"github.com/vovakirdan/roomsync/internal/log"
	"github.com/vovakirdan/roomsync/internal/proto"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	server   string
	room     string
	userID   string
	name     string
	token    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "roomsync-client",
		Short:         "Join a room from the terminal; each stdin line is sent as a message",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	pf.StringVar(&opts.room, "room", "general", "room to join")
	pf.StringVar(&opts.userID, "user-id", "", "user id (required)")
	pf.StringVar(&opts.name, "name", "", "display name")
	pf.StringVar(&opts.token, "token", "", "identity token when the server requires one")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "client log level")
	_ = cmd.MarkPersistentFlagRequired("user-id")

	cmd.AddCommand(newSmokeCmd(opts))
	return cmd
}

func (o *options) manager() *client.Manager {
	return client.New(client.Options{
		BaseURL: o.server,
		Token:   o.token,
		Logger:  log.NewWithWriter(o.logLevel, os.Stderr),
	})
}

// newSmokeCmd sends one message and waits for the room to echo it back.
func newSmokeCmd(opts *options) *cobra.Command {
	var (
		text    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Send a single message and wait for its echo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			m := opts.manager()
			echoed := make(chan proto.ChatMessage, 1)
			m.Subscribe(client.EventMessage, func(ev client.Event) {
				if ev.Message.UserID == opts.userID && ev.Message.Content == text {
					select {
					case echoed <- *ev.Message:
					default:
					}
				}
			})
			m.Subscribe(client.EventServerError, func(ev client.Event) {
				fmt.Fprintf(os.Stderr, "server error %s: %s\n", ev.ServerError.Code, ev.ServerError.Msg)
			})

			if err := m.Connect(ctx, opts.room, proto.User{ID: opts.userID, Name: opts.name}); err != nil {
				return err
			}
			defer m.Disconnect()

			if err := m.SendMessage(ctx, client.OutgoingMessage{Content: text}); err != nil {
				return err
			}
			select {
			case msg := <-echoed:
				fmt.Fprintf(cmd.OutOrStdout(), "echoed: id=%s seq=%d ts=%d text=%q\n", msg.ID, msg.Seq, msg.Timestamp, msg.Content)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no echo: %w", ctx.Err())
			}
		},
	}
	cmd.Flags().StringVar(&text, "text", "hello from smoke test", "message text to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "total timeout for the run")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := opts.manager()
	subscribe(m, stop)

	if err := m.Connect(ctx, opts.room, proto.User{ID: opts.userID, Name: opts.name}); err != nil {
		return err
	}
	defer m.Disconnect()

	fmt.Printf("Connected to %s as %s in room %s\n", opts.server, opts.userID, opts.room)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := m.SendMessage(ctx, client.OutgoingMessage{Content: text}); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

func subscribe(m *client.Manager, stop context.CancelFunc) {
	m.Subscribe(client.EventInit, func(ev client.Event) {
		fmt.Printf("[%s] %d messages, %d online\n", ev.Init.Room.Name, len(ev.Init.Messages), len(ev.Init.Presence))
		for _, msg := range ev.Init.Messages {
			fmt.Printf("  %s: %s\n", msg.UserName, msg.Content)
		}
	})
	m.Subscribe(client.EventMessage, func(ev client.Event) {
		fmt.Printf("%s: %s\n", ev.Message.UserName, ev.Message.Content)
	})
	m.Subscribe(client.EventPresenceJoin, func(ev client.Event) {
		fmt.Printf("* %s joined\n", displayName(ev.Presence))
	})
	m.Subscribe(client.EventPresenceLeave, func(ev client.Event) {
		if ev.Stale {
			fmt.Printf("* %s timed out\n", ev.UserID)
			return
		}
		fmt.Printf("* %s left\n", ev.UserID)
	})
	m.Subscribe(client.EventEdit, func(ev client.Event) {
		fmt.Printf("* message %s edited: %s\n", ev.Edit.MessageID, ev.Edit.Content)
	})
	m.Subscribe(client.EventServerError, func(ev client.Event) {
		fmt.Fprintf(os.Stderr, "server error %s: %s\n", ev.ServerError.Code, ev.ServerError.Msg)
	})
	m.Subscribe(client.EventCustom, func(ev client.Event) {
		fmt.Printf("event=%s data=%s\n", ev.Custom.Type, ev.Custom.Data)
	})
	m.Subscribe(client.EventReconnectFailed, func(ev client.Event) {
		fmt.Fprintf(os.Stderr, "giving up after %d reconnect attempts\n", ev.Attempt)
		stop()
	})
}

func displayName(p *proto.Presence) string {
	if p.User != nil && p.User.Name != "" {
		return p.User.Name
	}
	return p.UserID
}
