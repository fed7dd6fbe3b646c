package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func init() {
	logging.Discard()
}

// fakeTurn is the server side of one opened turn.
type fakeTurn struct {
	req types.TurnRequest
	ctx context.Context
	w   *io.PipeWriter
}

func (f *fakeTurn) send(evs ...wire.Event) {
	for _, ev := range evs {
		b, err := wire.Encode(ev)
		if err != nil {
			panic(err)
		}
		if _, err := f.w.Write(b); err != nil {
			return
		}
	}
}

func (f *fakeTurn) raw(s string) {
	f.w.Write([]byte(s))
}

func (f *fakeTurn) end() {
	f.w.Close()
}

type fakeTransport struct {
	turns chan *fakeTurn
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{turns: make(chan *fakeTurn, 8)}
}

func (t *fakeTransport) Open(ctx context.Context, req types.TurnRequest) (io.ReadCloser, error) {
	if t.err != nil {
		return nil, t.err
	}
	pr, pw := io.Pipe()
	t.turns <- &fakeTurn{req: req, ctx: ctx, w: pw}
	return pr, nil
}

func (t *fakeTransport) next(tb testing.TB) *fakeTurn {
	tb.Helper()
	select {
	case turn := <-t.turns:
		return turn
	case <-time.After(2 * time.Second):
		tb.Fatal("transport was not opened")
		return nil
	}
}

func (t *fakeTransport) expectNone(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case turn := <-t.turns:
		tb.Fatalf("unexpected turn opened: %q", turn.req.Content)
	case <-time.After(wait):
	}
}

type fakeResponder struct {
	mu      sync.Mutex
	answers map[string]types.Decision
	err     error
}

func (r *fakeResponder) RespondPermission(_ context.Context, id string, d types.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.answers == nil {
		r.answers = make(map[string]types.Decision)
	}
	r.answers[id] = d
	return nil
}

func (r *fakeResponder) answer(id string) (types.Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.answers[id]
	return d, ok
}

// recorder collects the stream events of one session.
type recorder struct {
	mu     sync.Mutex
	events []types.StreamEvent
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 1)}
}

func (r *recorder) listen(ev types.StreamEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []types.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...)
}

// waitFor blocks until an event matching fn was recorded and returns it.
func (r *recorder) waitFor(tb testing.TB, fn func(types.StreamEvent) bool) types.StreamEvent {
	tb.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, ev := range r.all() {
			if fn(ev) {
				return ev
			}
		}
		select {
		case <-r.signal:
		case <-deadline:
			tb.Fatal("timed out waiting for stream event")
			return types.StreamEvent{}
		}
	}
}

func (r *recorder) completed(tb testing.TB, turnID string) types.SessionState {
	tb.Helper()
	return r.waitFor(tb, func(ev types.StreamEvent) bool {
		return ev.Type == types.EventCompleted && ev.Snapshot.TurnID == turnID
	}).Snapshot
}

func testOptions() Options {
	return Options{
		IdleTimeout:      time.Minute,
		WatchdogInterval: 10 * time.Millisecond,
		ToolTimeout:      60 * time.Second,
		RetryDelay:       10 * time.Millisecond,
		GracePeriod:      time.Minute,
		PermissionSettle: 50 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeTransport, *fakeResponder) {
	t.Helper()
	transport := newFakeTransport()
	responder := &fakeResponder{}
	reg := NewRegistry(RegistryConfig{Transport: transport, Responder: responder, Options: opts})
	t.Cleanup(reg.Close)
	return reg, transport, responder
}

func startTurn(t *testing.T, reg *Registry, sessionID, content string) string {
	t.Helper()
	turnID, err := reg.Start(sessionID, types.TurnRequest{Content: content})
	require.NoError(t, err)
	require.NotEmpty(t, turnID)
	return turnID
}

var errBoom = errors.New("boom")
