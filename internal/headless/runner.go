package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// stopWait bounds how long a cancelled run waits for the stopped snapshot.
const stopWait = 5 * time.Second

// Runner executes one prompt against a CodePilot server.
type Runner struct {
	config   *Config
	approver Approver
	printer  *Printer
}

// NewRunner creates a new headless runner. Permission requests are approved
// when cfg.AutoApprove is set and denied otherwise.
func NewRunner(cfg *Config) *Runner {
	approver := DenyAll
	if cfg.AutoApprove {
		approver = AutoApprove
	}
	return &Runner{config: cfg, approver: approver}
}

// WithApprover replaces the permission policy.
func (r *Runner) WithApprover(a Approver) *Runner {
	r.approver = a
	return r
}

// Run executes the turn and returns the result. The error is non-nil whenever
// the exit code is not ExitSuccess.
func (r *Runner) Run(ctx context.Context, writer io.Writer, stdin io.Reader) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	defer r.printer.PrintFinalResult()

	req, err := r.buildRequest(stdin)
	if err != nil {
		r.printer.SetResult("error", ExitInvalidInput, err)
		return r.printer.GetResult(), err
	}

	sessionID := r.config.SessionID
	if sessionID == "" {
		sessionID = "run_" + ulid.Make().String()
	}
	r.printer.SetSessionID(sessionID)
	log := logging.Session(sessionID)

	transport := stream.NewHTTPTransport(r.config.ServerURL)
	registry := stream.NewRegistry(stream.RegistryConfig{
		Transport: transport,
		Responder: transport,
		Options:   stream.OptionsFromConfig(r.config.Stream),
	})
	defer registry.Close()

	finals := make(chan types.SessionState, 4)
	asks := make(chan types.PermissionRequest, 8)
	unsub := registry.Subscribe(sessionID, func(ev types.StreamEvent) {
		r.printer.Handle(ev)
		switch {
		case ev.Type == types.EventPermissionRequest && ev.Snapshot.PendingPermission != nil:
			select {
			case asks <- *ev.Snapshot.PendingPermission:
			case <-ctx.Done():
			}
		case ev.Type == types.EventCompleted:
			select {
			case finals <- ev.Snapshot:
			case <-ctx.Done():
			}
		}
	})
	defer unsub()

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	if _, err := registry.Start(sessionID, req); err != nil {
		r.printer.SetResult("error", ExitError, err)
		return r.printer.GetResult(), err
	}
	log.Debug().Str("server", r.config.ServerURL).Msg("Headless turn started")

	var (
		denied  bool
		stalled bool
	)
	for {
		select {
		case ask := <-asks:
			d := r.approver.Approve(runCtx, ask)
			r.printer.Permission(ask, d)
			if !d.Allowed() {
				denied = true
			}
			if err := registry.RespondToPermission(runCtx, sessionID, d); err != nil {
				log.Warn().Err(err).Str("permissionID", ask.ID).Msg("Failed to answer permission request")
			}

		case final := <-finals:
			if final.Phase == types.PhaseStopped && final.ToolTimeout != nil && !stalled {
				// The registry retries a stalled turn once.
				stalled = true
				r.printer.Retry(final.ToolTimeout.ToolName)
				continue
			}
			return r.finish(final, denied)

		case <-runCtx.Done():
			registry.Stop(sessionID)
			select {
			case <-finals:
			case <-time.After(stopWait):
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err := fmt.Errorf("timed out after %s", r.config.Timeout)
				r.printer.SetResult("timeout", ExitTimeout, err)
				return r.printer.GetResult(), err
			}
			err := errors.New("interrupted")
			r.printer.SetResult("stopped", ExitStopped, err)
			return r.printer.GetResult(), err
		}
	}
}

// finish classifies the terminal snapshot.
func (r *Runner) finish(final types.SessionState, denied bool) (*Result, error) {
	var (
		status string
		code   ExitCode
		err    error
	)
	switch final.Phase {
	case types.PhaseCompleted:
		status, code = "success", ExitSuccess
		if denied {
			status, code = "permission_denied", ExitPermissionDenied
			err = errors.New("a permission request was denied")
		}
	case types.PhaseStopped:
		if final.ToolTimeout != nil {
			status, code = "timeout", ExitTimeout
			err = fmt.Errorf("tool %s timed out after %.0fs", final.ToolTimeout.ToolName, final.ToolTimeout.ElapsedSeconds)
		} else {
			status, code = "stopped", ExitStopped
			err = errors.New("turn stopped")
		}
	default:
		status, code = "error", ExitProviderError
		if strings.HasPrefix(final.Error, "Stream idle timeout") {
			status, code = "timeout", ExitTimeout
		}
		err = errors.New(final.Error)
	}
	r.printer.SetResult(status, code, err)
	return r.printer.GetResult(), err
}

// buildRequest assembles the turn from the prompt, stdin and attachments.
func (r *Runner) buildRequest(stdin io.Reader) (types.TurnRequest, error) {
	prompt := r.config.Prompt

	if r.config.ReadStdin && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return types.TurnRequest{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		if in := strings.TrimSpace(string(data)); in != "" {
			if prompt != "" {
				prompt = prompt + "\n\n" + in
			} else {
				prompt = in
			}
		}
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return types.TurnRequest{}, errors.New("prompt is required")
	}

	req := types.TurnRequest{
		Content:          prompt,
		Model:            r.config.Model,
		Mode:             r.config.Mode,
		WorkingDirectory: r.config.WorkDir,
	}

	for _, file := range r.config.Files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return types.TurnRequest{}, err
		}
		if _, err := os.Stat(abs); err != nil {
			return types.TurnRequest{}, fmt.Errorf("failed to read file %s: %w", file, err)
		}
		req.Files = append(req.Files, types.FileAttachment{Name: filepath.Base(abs), Path: abs})
	}

	if r.config.SystemPrompt != "" {
		data, err := os.ReadFile(r.config.SystemPrompt)
		if err != nil {
			return types.TurnRequest{}, fmt.Errorf("failed to read system prompt: %w", err)
		}
		req.SystemPromptAppend = string(data)
	}

	return req, nil
}
