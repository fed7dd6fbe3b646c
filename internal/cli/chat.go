// Package cli implements the interactive chat client.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Options configures a chat.
type Options struct {
	URL       string
	Session   string
	Directory string
	Model     string
	Mode      string
	NoColor   bool
	Quiet     bool
	Verbose   bool
	Stream    types.StreamConfig
}

// Chat is a read-eval-print loop over one session.
type Chat struct {
	opts      Options
	in        io.Reader
	renderer  *Renderer
	registry  *stream.Registry
	sessionID string

	events    chan types.StreamEvent
	lines     chan string
	typeahead []string
}

// New creates a chat reading commands from in.
func New(opts Options, in io.Reader, out, errOut io.Writer) *Chat {
	sessionID := opts.Session
	if sessionID == "" {
		sessionID = "chat_" + ulid.Make().String()
	}
	return &Chat{
		opts:      opts,
		in:        in,
		renderer:  NewRenderer(out, errOut, opts.NoColor, opts.Quiet, opts.Verbose),
		sessionID: sessionID,
		events:    make(chan types.StreamEvent, 64),
		lines:     make(chan string),
	}
}

// SessionID returns the session the chat runs turns in.
func (c *Chat) SessionID() string { return c.sessionID }

// Run reads prompts until /exit, end of input or ctx is done.
func (c *Chat) Run(ctx context.Context) error {
	transport := stream.NewHTTPTransport(c.opts.URL)
	c.registry = stream.NewRegistry(stream.RegistryConfig{
		Transport: transport,
		Responder: transport,
		Options:   stream.OptionsFromConfig(c.opts.Stream),
	})
	defer c.registry.Close()

	unsub := c.registry.Subscribe(c.sessionID, func(ev types.StreamEvent) {
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	})
	defer unsub()

	go c.readLines(ctx, c.lines)
	c.renderer.Banner(c.opts.URL, c.sessionID)

	for {
		line, ok := c.next(ctx)
		if !ok {
			return ctx.Err()
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if isCommand(trimmed) {
			cmd := parseCommand(trimmed)
			switch cmd.Type {
			case "exit":
				return nil
			case "help":
				c.renderer.Help(helpText)
			case "stop":
				c.renderer.Notice("no turn is running")
			case "snapshot":
				if snap, ok := c.registry.Snapshot(c.sessionID); ok {
					c.renderer.Snapshot(snap)
				} else {
					c.renderer.Notice("no state yet")
				}
			case "set":
				applyCommand(&c.opts, cmd)
				c.renderer.Notice("%s set to %q", cmd.Key, cmd.Val)
			default:
				c.renderer.Help(fmt.Sprintf("Unknown command: %s\n%s", cmd.Val, helpText))
			}
			continue
		}

		c.turn(ctx, trimmed)
	}
}

func (c *Chat) readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// next returns the next prompt line, joining lines that end in a backslash.
func (c *Chat) next(ctx context.Context) (string, bool) {
	var parts []string
	for {
		prompt := "> "
		if len(parts) > 0 {
			prompt = "... "
		}
		c.renderer.Prompt(prompt)

		line, ok := c.read(ctx)
		if !ok {
			if len(parts) == 0 {
				return "", false
			}
			return strings.Join(parts, "\n"), true
		}
		if strings.HasSuffix(line, "\\") {
			parts = append(parts, strings.TrimSuffix(line, "\\"))
			continue
		}
		parts = append(parts, line)
		return strings.Join(parts, "\n"), true
	}
}

func (c *Chat) read(ctx context.Context) (string, bool) {
	if len(c.typeahead) > 0 {
		line := c.typeahead[0]
		c.typeahead = c.typeahead[1:]
		return line, true
	}
	if c.lines == nil {
		return "", false
	}
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.lines = nil
			return "", false
		}
		return line, true
	case <-ctx.Done():
		return "", false
	}
}

// turn runs one prompt to completion. Lines typed meanwhile answer
// permission prompts or wait for the next prompt; /stop acts immediately.
func (c *Chat) turn(ctx context.Context, content string) {
	log := logging.Session(c.sessionID)

	c.renderer.StartTurn()
	current, err := c.registry.Start(c.sessionID, types.TurnRequest{
		Content:          content,
		Model:            c.opts.Model,
		Mode:             c.opts.Mode,
		WorkingDirectory: c.opts.Directory,
	})
	if err != nil {
		c.renderer.Error("failed to start turn: %v", err)
		return
	}

	var (
		awaiting     *types.PermissionRequest
		retried      bool
		retryPending bool
	)
	answer := func(line string) {
		d := types.Deny("denied by user")
		if parseAnswer(line) {
			d = types.Allow()
		}
		awaiting = nil
		if err := c.registry.RespondToPermission(ctx, c.sessionID, d); err != nil {
			c.renderer.Error("failed to answer permission request: %v", err)
			log.Warn().Err(err).Msg("Permission answer failed")
		}
	}

	for {
		select {
		case ev := <-c.events:
			if retryPending && ev.Type == types.EventPhaseChanged && ev.Snapshot.Phase == types.PhaseActive {
				retryPending = false
				current = ev.Snapshot.TurnID
				c.renderer.StartTurn()
			}
			if ev.Snapshot.TurnID != current {
				continue
			}
			switch ev.Type {
			case types.EventPhaseChanged:
				c.renderer.Update(ev.Snapshot)

			case types.EventSnapshotUpdated:
				c.renderer.Update(ev.Snapshot)

			case types.EventPermissionRequest:
				c.renderer.Update(ev.Snapshot)
				if ev.Snapshot.PendingPermission == nil {
					continue
				}
				req := *ev.Snapshot.PendingPermission
				awaiting = &req
				c.renderer.AskPermission(req)
				if len(c.typeahead) > 0 {
					line := c.typeahead[0]
					c.typeahead = c.typeahead[1:]
					answer(line)
				}

			case types.EventCompleted:
				c.renderer.Update(ev.Snapshot)
				c.renderer.Finish(ev.Snapshot)
				if ev.Snapshot.Phase == types.PhaseStopped && ev.Snapshot.ToolTimeout != nil && !retried {
					retried, retryPending = true, true
					continue
				}
				return
			}

		case line, ok := <-c.lines:
			if !ok {
				c.lines = nil
				if awaiting != nil {
					answer("")
				}
				continue
			}
			if isCommand(line) && parseCommand(line).Type == "stop" {
				c.registry.Stop(c.sessionID)
				continue
			}
			if awaiting != nil {
				answer(line)
				continue
			}
			c.typeahead = append(c.typeahead, line)

		case <-ctx.Done():
			c.registry.Stop(c.sessionID)
			return
		}
	}
}
