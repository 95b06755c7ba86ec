package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/streamchat/internal/chat"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/ashureev/streamchat/internal/transport"
)

const helpText = `Commands:
  /new [title]        start a new conversation
  /switch <id>        open an existing conversation
  /sessions           list conversations
  /history            print the current conversation
  /rate <id> <1-5>    rate an answer
  /cancel             stop the current answer
  /reconnect          reconnect the socket
  /logout             sign out and wipe queued messages
  /quit               exit
Anything else is sent as a question.`

// controller is the part of chat.Controller the REPL drives.
type controller interface {
	Submit(ctx context.Context, query string) error
	Cancel()
	NewSession(ctx context.Context, title string) (*domain.ChatSession, error)
	SwitchSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*domain.ChatSession, error)
	Rate(ctx context.Context, messageID string, rating int) error
	Snapshot() chat.View
}

// reconnector is satisfied by transport.SocketChannel.
type reconnector interface {
	ForceReconnect(ctx context.Context) error
}

type repl struct {
	ui         *terminal
	controller controller
	socket     reconnector
	logout     func()

	wg sync.WaitGroup
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	r.ui.println("Type a question, or /help for commands.")
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			r.controller.Cancel()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				r.controller.Cancel()
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.submit(ctx, line)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.ui.println(helpText)
	case "/new":
		s, err := r.controller.NewSession(ctx, strings.TrimSpace(rest))
		if err != nil {
			r.ui.fail(err)
			return false
		}
		r.ui.printf("Started %q (%s)\n", s.Title, s.ID)
	case "/switch":
		if len(args) != 1 {
			r.ui.println("usage: /switch <id>")
			return false
		}
		if err := r.controller.SwitchSession(ctx, args[0]); err != nil {
			r.ui.fail(err)
			return false
		}
		r.ui.history(r.controller.Snapshot())
	case "/sessions":
		sessions, err := r.controller.ListSessions(ctx)
		if err != nil {
			r.ui.fail(err)
			return false
		}
		current := r.controller.Snapshot().SessionID
		r.ui.sessions(sessions, current)
	case "/history":
		r.ui.history(r.controller.Snapshot())
	case "/rate":
		if len(args) != 2 {
			r.ui.println("usage: /rate <id> <1-5>")
			return false
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			r.ui.println("usage: /rate <id> <1-5>")
			return false
		}
		if err := r.controller.Rate(ctx, args[0], n); err != nil {
			r.ui.fail(err)
			return false
		}
		r.ui.println("Thanks for the feedback.")
	case "/cancel":
		r.controller.Cancel()
	case "/reconnect":
		if r.socket == nil {
			r.ui.println("Not using a socket transport.")
			return false
		}
		if err := r.socket.ForceReconnect(ctx); err != nil {
			r.ui.fail(err)
		}
	case "/logout":
		if r.logout != nil {
			r.logout()
		}
		return true
	default:
		r.ui.printf("Unknown command %s, try /help\n", cmd)
	}
	return false
}

// submit runs the turn in the background so /cancel stays responsive.
func (r *repl) submit(ctx context.Context, query string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.controller.Submit(ctx, query)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrTurnInProgress):
			r.ui.println("Still answering the previous question; /cancel to stop it.")
		case shared.KindOf(err) != shared.KindUnknown:
			// Classified failures were already shown as notifications.
		default:
			r.ui.fail(err)
		}
	}()
}

// terminal renders controller updates as a growing answer on out and
// notifications on errOut.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	errOut  io.Writer
	current string
	printed int
}

func newTerminal(out, errOut io.Writer) *terminal {
	return &terminal{out: out, errOut: errOut}
}

func (t *terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.errOut, "error: %s\n", shared.UserMessage(err))
}

func (t *terminal) notify(n chat.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	suffix := ""
	if n.Retryable {
		suffix = " (retry)"
	}
	fmt.Fprintf(t.errOut, "[%s] %s%s\n", n.Kind, n.Message, suffix)
}

func (t *terminal) connection(s transport.ConnectionState) {
	if s == transport.StateConnected || s == transport.StateReconnecting || s == transport.StateFailed {
		t.mu.Lock()
		defer t.mu.Unlock()
		fmt.Fprintf(t.errOut, "[connection] %s\n", s)
	}
}

// update prints the unseen tail of the streaming answer, and finishes the
// line once the answer is committed.
func (t *terminal) update(v chat.View) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.Streaming != nil {
		if v.Streaming.ID != t.current {
			t.current = v.Streaming.ID
			t.printed = 0
			fmt.Fprint(t.out, "assistant> ")
		}
		t.flushLocked(v.Streaming.Content)
		return
	}

	if t.current == "" {
		return
	}
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if m := v.Messages[i]; m.ID == t.current {
			t.flushLocked(m.Content)
			if len(m.Sources) > 0 {
				fmt.Fprintf(t.out, "\n  [%d sources, id %s]", len(m.Sources), m.ID)
			} else {
				fmt.Fprintf(t.out, "\n  [id %s]", m.ID)
			}
			break
		}
	}
	fmt.Fprintln(t.out)
	t.current = ""
	t.printed = 0
}

func (t *terminal) flushLocked(content string) {
	if len(content) > t.printed {
		fmt.Fprint(t.out, content[t.printed:])
		t.printed = len(content)
	}
}

func (t *terminal) sessions(list []*domain.ChatSession, current string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(list) == 0 {
		fmt.Fprintln(t.out, "No conversations yet.")
		return
	}
	for _, s := range list {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(t.out, "%s %s  %s  (%s)\n", marker, s.ID, s.Title, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func (t *terminal) history(v chat.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.SessionID == "" {
		fmt.Fprintln(t.out, "No conversation selected.")
		return
	}
	for _, m := range v.Messages {
		who := "you"
		if m.Type == domain.MessageAnswer {
			who = "assistant"
		}
		rating := ""
		if m.Rating > 0 {
			rating = fmt.Sprintf(" [%d/5]", m.Rating)
		}
		fmt.Fprintf(t.out, "%s> %s%s  (%s)\n", who, m.Content, rating, m.ID)
	}
}
