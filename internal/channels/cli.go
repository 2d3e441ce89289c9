package channels

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/shared/cmdutils"
)

var cliExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// CLIChannel wires the terminal (stdin/stdout) into the channel manager.
// Agent replies arrive through Send, which hands them to the Start loop
// over an internal channel so the REPL prints them in order.
type CLIChannel struct {
	Base
	replies chan bus.OutboundMessage
}

// NewCLIChannel creates a CLIChannel.
func NewCLIChannel(b *bus.MessageBus) *CLIChannel {
	return &CLIChannel{
		Base:    NewBase(bus.ChannelCLI, b, nil),
		replies: make(chan bus.OutboundMessage, 16),
	}
}

func (c *CLIChannel) Name() string { return bus.ChannelCLI }

// Start runs the stdin REPL: reads lines, dispatches them to the agent via
// the bus, and prints each reply. Blocks until ctx is cancelled or stdin
// is closed.
func (c *CLIChannel) Start(ctx context.Context) error {
	fmt.Printf("CLI channel ready. Type 'exit' or press Ctrl+C to quit.\n\n")

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("You: ")

		scanDone := make(chan bool, 1)
		go func() {
			scanDone <- scanner.Scan()
		}()

		select {
		case ok := <-scanDone:
			if !ok {
				fmt.Println("\nGoodbye!")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if cliExitCommands[strings.ToLower(line)] {
			fmt.Println("Goodbye!")
			return nil
		}

		c.HandleMessage("local", "direct", line, nil, nil)
		c.waitForReply(ctx)
	}
}

// waitForReply blocks until the agent delivers a non-progress reply,
// then prints it. Progress updates are printed inline as they arrive.
func (c *CLIChannel) waitForReply(ctx context.Context) {
	for {
		select {
		case msg := <-c.replies:
			if msg.IsProgress() {
				fmt.Printf("  ↳ %s\n", msg.Content)
				continue
			}
			cmdutils.PrintResponse(msg.Content)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers an outbound agent reply to the REPL loop.
func (c *CLIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	select {
	case c.replies <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
