package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/mcpserver/approval"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

const (
	// ApprovalTool is the permission prompt tool as named by the CLI.
	ApprovalTool = "mcp__" + approval.ServerName + "__" + approval.ToolName

	maxLineSize   = 16 << 20
	killGraceTime = 2 * time.Second
)

// Claude runs the Claude Code CLI in print mode for each turn.
type Claude struct {
	path      string
	model     string
	extraArgs []string
	mcpURL    string
	workDir   string
}

// NewClaude creates the Claude Code adapter.
func NewClaude(cfg types.AgentConfig, env Env) (Agent, error) {
	path := cfg.ClaudePath
	if path == "" {
		path = "claude"
	}
	return &Claude{
		path:      path,
		model:     cfg.Model,
		extraArgs: cfg.ExtraArgs,
		mcpURL:    env.MCPURL,
		workDir:   env.WorkDir,
	}, nil
}

func (c *Claude) Name() string { return "claude" }

// Args returns the command line used for req.
func (c *Claude) Args(req types.TurnRequest) ([]string, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	model := req.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Mode != "" {
		args = append(args, "--permission-mode", req.Mode)
	}
	if req.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", req.SystemPromptAppend)
	}
	if c.mcpURL != "" {
		cfg, err := mcpConfig(c.mcpURL, req.SessionID)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", cfg, "--permission-prompt-tool", ApprovalTool)
	}
	args = append(args, c.extraArgs...)
	return args, nil
}

func mcpConfig(url, sessionID string) (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			approval.ServerName: map[string]any{
				"type":    "http",
				"url":     url,
				"headers": map[string]string{approval.SessionHeader: sessionID},
			},
		},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}
	return string(b), nil
}

// Prompt returns the text sent on stdin.
func Prompt(req types.TurnRequest) string {
	if len(req.Files) == 0 {
		return req.Content
	}
	var sb strings.Builder
	sb.WriteString(req.Content)
	sb.WriteString("\n\nAttached files:")
	for _, f := range req.Files {
		sb.WriteString("\n- ")
		sb.WriteString(f.Path)
	}
	return sb.String()
}

// Run spawns the CLI and relays its output until it exits.
func (c *Claude) Run(ctx context.Context, req types.TurnRequest, turn Turn) error {
	args, err := c.Args(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Dir = req.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = c.workDir
	}
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(Prompt(req))
	if runtime.GOOS != "windows" {
		// Own process group so the CLI's children die with it.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
	}
	cmd.WaitDelay = killGraceTime

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.path, err)
	}

	log := logging.With().Str("sessionID", req.SessionID).Int("pid", cmd.Process.Pid).Logger()
	log.Info().Strs("args", args).Msg("Agent process started")

	var (
		wg        sync.WaitGroup
		emitMu    sync.Mutex
		sawResult bool
		tail      []string
	)
	emit := func(ev wire.Event) error {
		emitMu.Lock()
		defer emitMu.Unlock()
		return turn.Emit(ev)
	}

	// stderr lines double as liveness heartbeats.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64<<10), maxLineSize)
		for sc.Scan() {
			line := sc.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			emitMu.Lock()
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
			emitMu.Unlock()
			emit(wire.ToolOutputText(line))
		}
	}()

	var relayErr error
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	for sc.Scan() {
		for _, ev := range Translate(sc.Bytes()) {
			if ev.Type == wire.TypeResult {
				sawResult = true
			}
			if err := emit(ev); err != nil && relayErr == nil {
				relayErr = err
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		relayErr = errors.Join(relayErr, err)
	}
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if relayErr != nil {
		return relayErr
	}
	if waitErr != nil && !sawResult {
		msg := strings.Join(tail, "\n")
		if msg == "" {
			msg = waitErr.Error()
		}
		return fmt.Errorf("claude exited: %s", msg)
	}
	log.Info().Msg("Agent process finished")
	return nil
}

// streamMessage is one line of the CLI's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	SessionID string `json:"session_id"`
	Model     string `json:"model"`

	Message *struct {
		Content []streamContent `json:"content"`
	} `json:"message"`

	IsError      bool              `json:"is_error"`
	NumTurns     int               `json:"num_turns"`
	DurationMS   int64             `json:"duration_ms"`
	TotalCostUSD float64           `json:"total_cost_usd"`
	Usage        *types.TokenUsage `json:"usage"`
	Result       string            `json:"result"`

	PermissionMode string `json:"permissionMode"`
}

type streamContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Translate converts one stream-json line into wire events. Unknown or
// malformed lines produce nothing.
func Translate(line []byte) []wire.Event {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "system":
		switch msg.Subtype {
		case "init":
			evs := []wire.Event{{Type: wire.TypeStatus, Status: &wire.Status{SessionID: msg.SessionID, Model: msg.Model}}}
			if msg.PermissionMode != "" {
				evs = append(evs, wire.Event{Type: wire.TypeModeChanged, Text: msg.PermissionMode})
			}
			return evs
		case "compact_boundary":
			return []wire.Event{{Type: wire.TypeStatus, Status: &wire.Status{
				Notification: true,
				Title:        "Context compacted",
			}}}
		}
		return nil

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var evs []wire.Event
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					evs = append(evs, wire.Text(c.Text))
				}
			case "tool_use":
				evs = append(evs, wire.Event{Type: wire.TypeToolUse, ToolUse: &wire.ToolUse{
					ID:    c.ID,
					Name:  c.Name,
					Input: c.Input,
				}})
			}
		}
		return evs

	case "user":
		if msg.Message == nil {
			return nil
		}
		var evs []wire.Event
		for _, c := range msg.Message.Content {
			if c.Type != "tool_result" {
				continue
			}
			evs = append(evs, wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{
				ToolUseID: c.ToolUseID,
				Content:   resultText(c.Content),
				IsError:   c.IsError,
			}})
		}
		return evs

	case "result":
		evs := []wire.Event{{Type: wire.TypeResult, Result: &wire.Result{
			Subtype:      msg.Subtype,
			IsError:      msg.IsError,
			NumTurns:     msg.NumTurns,
			DurationMS:   msg.DurationMS,
			SessionID:    msg.SessionID,
			TotalCostUSD: msg.TotalCostUSD,
			Usage:        msg.Usage,
		}}}
		if msg.IsError {
			text := msg.Result
			if text == "" {
				text = msg.Subtype
			}
			evs = append(evs, wire.Error(text))
		}
		return evs
	}
	return nil
}

// resultText flattens a tool_result content, which is either a string or a
// list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
