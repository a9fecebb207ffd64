package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/putto11262002/chatlink/chat"
	"github.com/putto11262002/chatlink/ws"
)

var chatCmd = &cobra.Command{
	Use:   "chat <friend-id>",
	Short: "Open an interactive chat with a friend",
	Long: `Open an interactive chat with a friend. Lines typed at the prompt are
sent as messages. Commands: /older loads an earlier history page, /quit
exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	client, creds, err := authedClient()
	if err != nil {
		return err
	}
	friendID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("friend id must be a number, got %q", args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room, err := client.RoomForFriend(ctx, friendID)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: slog.LevelWarn}))

	manager := ws.NewManager(cfg.WS.BaseURL, ws.WithLogger(logger))

	r := &renderer{out: os.Stdout, self: creds.User}
	session := chat.NewSession(client, manager, creds.User, creds.Token,
		chat.WithPageSize(cfg.Chat.PageSize),
		chat.WithNotifier(chat.BellNotifier{W: os.Stdout}),
		chat.WithSessionLogger(logger),
		chat.WithOnChange(r.redraw),
	)
	r.session = session
	defer session.Close()

	fmt.Printf("chatting with %s, /quit to leave\n", room.OtherUser.DisplayName())
	session.OpenRoom(ctx, room)

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
			switch line {
			case "":
			case "/quit":
				return nil
			case "/older":
				r.requestFull()
				session.LoadOlderMessages()
			default:
				session.NotifyTyping()
				session.SendMessage(line)
			}
		}
	}
}

// renderer turns session snapshots into terminal output. It tracks how
// many messages it has printed so each change appends only the new tail;
// the first paint and explicit history loads reprint everything with day
// separators.
type renderer struct {
	out     io.Writer
	self    chat.User
	session *chat.Session

	mu        sync.Mutex
	printed   int
	full      bool
	typing    string
	connected bool
	reported  map[string]bool
}

func (r *renderer) requestFull() {
	r.mu.Lock()
	r.full = true
	r.mu.Unlock()
}

func (r *renderer) redraw() {
	if r.session == nil {
		return
	}
	snap := r.session.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reported == nil {
		r.reported = make(map[string]bool)
	}

	switch {
	case snap.FirstPaint || r.full:
		r.printAll(snap.Messages)
		r.printed = len(snap.Messages)
		r.full = false
	case len(snap.Messages) > r.printed:
		for _, m := range snap.Messages[r.printed:] {
			r.printMessage(m)
		}
		r.printed = len(snap.Messages)
	}

	if line := chat.TypingLine(snap.Typing); line != r.typing {
		r.typing = line
		if line != "" {
			fmt.Fprintf(r.out, "-- %s\n", line)
		}
	}

	if snap.Connected != r.connected {
		r.connected = snap.Connected
		if snap.Connected {
			fmt.Fprintln(r.out, "[connected]")
		} else {
			fmt.Fprintln(r.out, "[connection lost, reconnecting]")
		}
	}

	r.reportOnce("history", snap.HistoryErr)
	r.reportOnce("socket", snap.SocketErr)
	r.reportOnce("terminal", snap.TerminalErr)
}

// reportOnce prints an error the first time it appears and rearms when it
// clears.
func (r *renderer) reportOnce(kind string, err error) {
	if err == nil {
		delete(r.reported, kind)
		return
	}
	if r.reported[kind] {
		return
	}
	r.reported[kind] = true
	fmt.Fprintf(r.out, "! %v\n", err)
}

func (r *renderer) printAll(msgs []chat.Message) {
	now := time.Now()
	for group := range chat.GroupMessagesByDay(msgs) {
		fmt.Fprintf(r.out, "--- %s ---\n", chat.FormatDay(group.Day, now))
		for _, m := range group.Messages {
			r.printMessage(m)
		}
	}
}

func (r *renderer) printMessage(m chat.Message) {
	name := m.Sender.Username
	if m.Sender.ID == r.self.ID {
		name = "you"
	}
	fmt.Fprintf(r.out, "%s %s: %s\n", chat.FormatMessageTime(m.Timestamp), name, m.Content)
}
