package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ferd36/maths-chat/internal/chat"
)

type chatClient interface {
	SendMessage(text string) (chat.ChatMessage, error)
	Retry(id string) (chat.ChatMessage, error)
	NotifyTyping() error
}

// console renders orchestrator events as text lines and turns input lines
// into commands.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	name string

	// prompt is redrawn after every line when stdin is a terminal.
	prompt string
}

func newConsole(out io.Writer, name string) *console {
	if name == "" {
		name = "you"
	}
	return &console{out: out, name: name}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt != "" {
		fmt.Fprint(c.out, "\r")
	}
	fmt.Fprintf(c.out, format+"\n", args...)
	if c.prompt != "" {
		fmt.Fprint(c.out, c.prompt)
	}
}

func (c *console) printEvents(ctx context.Context, events <-chan chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.render(ev)
		}
	}
}

func (c *console) render(ev chat.Event) {
	switch ev.Kind {
	case chat.EventStateChanged:
		c.printf("* %s", ev.State)
	case chat.EventPeerTyping:
		if ev.PeerTyping {
			c.printf("* peer is typing")
		}
	case chat.EventError:
		c.printf("! %v", ev.Err)
	case chat.EventMessage:
		msg := ev.Message
		if msg.SenderID == chat.SenderPeer {
			c.printf("peer: %s", msg.Text)
			return
		}
		switch msg.Status {
		case chat.StatusSending:
			c.printf("%s: %s", c.name, msg.Text)
		case chat.StatusDelivered:
			c.printf("  delivered %s", msg.ID)
		case chat.StatusFailed:
			c.printf("  failed %s (/retry %s)", msg.ID, msg.ID)
		}
	}
}

// readCommands runs until in is exhausted, /quit is read or ctx ends.
// Only a cancelled context is reported as an error.
func (c *console) readCommands(ctx context.Context, in io.Reader, client chatClient) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

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

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(strings.TrimSpace(line), client); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(line string, client chatClient) (quit bool) {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/typing":
		if err := client.NotifyTyping(); err != nil {
			c.printf("! %v", err)
		}
	case strings.HasPrefix(line, "/retry"):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry"))
		if id == "" {
			c.printf("! usage: /retry <id>")
			return false
		}
		if _, err := client.Retry(id); err != nil {
			c.printf("! retry %s: %v", id, err)
		}
	default:
		if _, err := client.SendMessage(line); err != nil {
			if errors.Is(err, chat.ErrNoSession) {
				c.printf("! not connected")
				return false
			}
			c.printf("! %v", err)
		}
	}
	return false
}
