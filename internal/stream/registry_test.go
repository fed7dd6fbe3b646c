package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

func TestRegistry_CompletedTurn(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	assert.Equal(t, "s1", turn.req.SessionID)
	assert.Equal(t, "hi", turn.req.Content)

	turn.send(wire.Text("Hello "), wire.Text("world"), wire.Done())
	final := rec.completed(t, turnID)

	assert.Equal(t, types.PhaseCompleted, final.Phase)
	assert.Equal(t, "Hello world", final.FinalContent)

	var kinds []types.StreamEventType
	for _, ev := range rec.all() {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []types.StreamEventType{
		types.EventPhaseChanged,
		types.EventSnapshotUpdated,
		types.EventSnapshotUpdated,
		types.EventPhaseChanged,
		types.EventCompleted,
	}, kinds)

	events := rec.all()
	assert.Equal(t, types.PhaseActive, events[0].Snapshot.Phase)
	assert.Equal(t, "Hello ", events[1].Snapshot.Text)
	assert.Equal(t, "Hello world", events[2].Snapshot.Text)

	snap, ok := reg.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "Hello world", snap.FinalContent)
	assert.False(t, reg.Active("s1"))
}

func TestRegistry_ToolBlocks(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "run ls")
	turn := transport.next(t)
	turn.send(
		wire.Event{Type: wire.TypeToolUse, ToolUse: &wire.ToolUse{ID: "t1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}},
		wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{ToolUseID: "t1", Content: "ok"}},
		wire.Done(),
	)
	final := rec.completed(t, turnID)

	assert.JSONEq(t,
		`[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}},{"type":"tool_result","tool_use_id":"t1","content":"ok"}]`,
		final.FinalContent)
}

func TestRegistry_MalformedLineSkipped(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	turn.raw(`data: {"type":"tool_use","data":"{not json"}` + "\n\n")
	turn.send(wire.Text("still here"), wire.Done())

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseCompleted, final.Phase)
	assert.Equal(t, "still here", final.FinalContent)
	assert.Empty(t, final.ToolInvocations)
}

func TestRegistry_StreamEndWithoutDone(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	turn.send(wire.Text("bye"))
	turn.end()

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseCompleted, final.Phase)
	assert.Equal(t, "bye", final.FinalContent)
}

func TestRegistry_StopWithText(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	turn.send(wire.Text("partial answer"))
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.Text == "partial answer" })

	reg.Stop("s1")
	final := rec.completed(t, turnID)

	assert.Equal(t, types.PhaseStopped, final.Phase)
	assert.True(t, strings.HasSuffix(final.FinalContent, "(generation stopped)"))
	assert.Equal(t, "partial answer\n\n(generation stopped)", final.FinalContent)

	select {
	case <-turn.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("transport context not canceled")
	}
}

func TestRegistry_StopWithoutText(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t)
	reg.Stop("s1")

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseStopped, final.Phase)
	assert.Empty(t, final.FinalContent)
}

func TestRegistry_StopIgnoredWhenNotActive(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	reg.Stop("unknown")

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t).send(wire.Text("done"), wire.Done())
	rec.completed(t, turnID)

	reg.Stop("s1")
	snap, ok := reg.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseCompleted, snap.Phase)
}

func TestRegistry_DoubleStartDetachesOldRunner(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())

	first := startTurn(t, reg, "s1", "one")
	turn1 := transport.next(t)

	second := startTurn(t, reg, "s1", "two")
	turn2 := transport.next(t)
	require.NotEqual(t, first, second)

	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	// The first turn is aborted; anything it still manages to send is dropped.
	select {
	case <-turn1.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first turn was not aborted")
	}
	go turn1.send(wire.Text("stale"), wire.Done())

	turn2.send(wire.Text("fresh"), wire.Done())
	final := rec.completed(t, second)
	assert.Equal(t, "fresh", final.FinalContent)

	for _, ev := range rec.all() {
		assert.Equal(t, second, ev.Snapshot.TurnID)
		assert.NotContains(t, ev.Snapshot.Text, "stale")
	}
}

func TestRegistry_IdleTimeout(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	reg, transport, _ := newTestRegistry(t, opts)
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t).send(wire.Text("partial"))

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Contains(t, final.Error, "idle timeout")
	assert.True(t, strings.HasPrefix(final.FinalContent, "partial\n\nError: Stream idle timeout"))
}

func TestRegistry_HeartbeatKeepsTurnAlive(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 150 * time.Millisecond
	reg, transport, _ := newTestRegistry(t, opts)
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	for range 5 {
		turn.send(wire.ToolOutputText("still compiling"))
		time.Sleep(50 * time.Millisecond)
	}
	turn.send(wire.Text("ok"), wire.Done())

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseCompleted, final.Phase)
}

func progress(tool string, elapsed float64) wire.Event {
	return wire.Event{Type: wire.TypeToolOutput, Progress: &wire.ToolProgress{
		Progress:       true,
		ToolName:       tool,
		ElapsedSeconds: elapsed,
	}}
}

func TestRegistry_ToolStallRetriesOnce(t *testing.T) {
	opts := testOptions()
	opts.ToolTimeout = 60 * time.Second
	reg, transport, _ := newTestRegistry(t, opts)
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	first := startTurn(t, reg, "s1", "build it")
	turn := transport.next(t)
	turn.send(wire.Text("working"), progress("Bash", 30))
	running := rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.StatusText == "Running Bash (30s)" })
	assert.Nil(t, running.Snapshot.ToolTimeout)

	turn.send(progress("Bash", 61))
	final := rec.completed(t, first)
	assert.Equal(t, types.PhaseStopped, final.Phase)
	assert.Contains(t, final.FinalContent, "(tool Bash timed out after 61s")

	retry := transport.next(t)
	assert.Contains(t, retry.req.Content, "Bash")
	assert.Contains(t, retry.req.Content, "different approach")

	// A stall in the retried turn does not schedule another retry.
	retry.send(progress("Bash", 75))
	rec.waitFor(t, func(ev types.StreamEvent) bool {
		return ev.Type == types.EventCompleted && ev.Snapshot.TurnID != first
	})
	transport.expectNone(t, 100*time.Millisecond)

	// Exactly one timeout notice per turn: the notice appears once and is
	// never cleared and re-raised within the same turn.
	notices := map[string]int{}
	timedOut := map[string]bool{}
	for _, ev := range rec.all() {
		id := ev.Snapshot.TurnID
		has := ev.Snapshot.ToolTimeout != nil
		if has && !timedOut[id] {
			notices[id]++
			assert.Equal(t, "Bash", ev.Snapshot.ToolTimeout.ToolName)
		}
		timedOut[id] = has
	}
	require.Len(t, notices, 2)
	for id, n := range notices {
		assert.Equal(t, 1, n, "turn %s", id)
	}
}

func TestRegistry_ToolTimeoutEvent(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	first := startTurn(t, reg, "s1", "go")
	transport.next(t).send(wire.Event{Type: wire.TypeToolTimeout, ToolTimeout: &wire.ToolTimeout{ToolName: "WebFetch", ElapsedSeconds: 90}})

	final := rec.completed(t, first)
	assert.Equal(t, types.PhaseStopped, final.Phase)
	require.NotNil(t, final.ToolTimeout)
	assert.Equal(t, "WebFetch", final.ToolTimeout.ToolName)

	retry := transport.next(t)
	assert.Contains(t, retry.req.Content, "WebFetch")
}

func TestRegistry_StartDuringRetryDelayCancelsRetry(t *testing.T) {
	opts := testOptions()
	opts.ToolTimeout = time.Second
	opts.RetryDelay = 100 * time.Millisecond
	reg, transport, _ := newTestRegistry(t, opts)
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	first := startTurn(t, reg, "s1", "go")
	transport.next(t).send(progress("Bash", 2))
	rec.completed(t, first)

	startTurn(t, reg, "s1", "something else")
	user := transport.next(t)
	assert.Equal(t, "something else", user.req.Content)
	transport.expectNone(t, 200*time.Millisecond)
}

func TestRegistry_TransportError(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	transport.err = &TransportError{StatusCode: 500, Message: "agent crashed"}
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	final := rec.completed(t, turnID)

	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Equal(t, "HTTP 500: agent crashed", final.Error)
	assert.Equal(t, "Error: HTTP 500: agent crashed", final.FinalContent)
}

func TestRegistry_ErrorEvent(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t).send(wire.Text("some text"), wire.Error("rate limited"), wire.Done())

	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseError, final.Phase)
	assert.Equal(t, "rate limited", final.Error)
	assert.Equal(t, "some text\n\nError: rate limited", final.FinalContent)
}

func TestRegistry_StatusModeAndResult(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t).send(
		wire.Event{Type: wire.TypeStatus, Status: &wire.Status{SessionID: "agent-7", Model: "opus"}},
		wire.Event{Type: wire.TypeModeChanged, Text: "plan"},
		wire.Event{Type: wire.TypeResult, Result: &wire.Result{Usage: &types.TokenUsage{InputTokens: 3, OutputTokens: 4}}},
		wire.Done(),
	)
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.StatusText == "Mode: plan" })

	final := rec.completed(t, turnID)
	assert.Equal(t, "agent-7", final.AgentSessionID)
	assert.Equal(t, "opus", final.Model)
	assert.Equal(t, "plan", final.Mode)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 4, final.Usage.OutputTokens)
}

func permissionEvent(id string) wire.Event {
	return wire.Event{Type: wire.TypePermissionRequest, Permission: &wire.PermissionRequest{
		ID:        id,
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command":"rm -rf build"}`),
	}}
}

func TestRegistry_RespondToPermission(t *testing.T) {
	reg, transport, responder := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "clean")
	turn := transport.next(t)
	turn.send(permissionEvent("p1"))

	ev := rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Type == types.EventPermissionRequest })
	require.NotNil(t, ev.Snapshot.PendingPermission)
	pending := ev.Snapshot.PendingPermission
	assert.Equal(t, "p1", pending.ID)
	assert.Equal(t, "s1", pending.SessionID)
	assert.Equal(t, PermissionTimeout, pending.ExpiresAt.Sub(pending.CreatedAt))

	require.NoError(t, reg.RespondToPermission(t.Context(), "s1", types.Decision{Behavior: types.BehaviorAllow}))
	d, ok := responder.answer("p1")
	require.True(t, ok)
	assert.True(t, d.Allowed())

	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.PermissionResult == types.BehaviorAllow })
	rec.waitFor(t, func(ev types.StreamEvent) bool {
		return ev.Snapshot.PendingPermission == nil && ev.Type == types.EventSnapshotUpdated
	})

	turn.send(wire.Done())
	final := rec.completed(t, turnID)
	assert.Nil(t, final.PendingPermission)
}

func TestRegistry_PermissionSettleKeepsNewerRequest(t *testing.T) {
	opts := testOptions()
	opts.PermissionSettle = 100 * time.Millisecond
	reg, transport, _ := newTestRegistry(t, opts)
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	startTurn(t, reg, "s1", "clean")
	turn := transport.next(t)
	turn.send(permissionEvent("p1"))
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Type == types.EventPermissionRequest })

	require.NoError(t, reg.RespondToPermission(t.Context(), "s1", types.Decision{Behavior: types.BehaviorAllow}))
	turn.send(permissionEvent("p2"))

	time.Sleep(250 * time.Millisecond)
	snap, ok := reg.Snapshot("s1")
	require.True(t, ok)
	require.NotNil(t, snap.PendingPermission)
	assert.Equal(t, "p2", snap.PendingPermission.ID)
	assert.Empty(t, snap.PermissionResult)
}

func TestRegistry_RespondWithoutPendingIsNoop(t *testing.T) {
	reg, transport, responder := newTestRegistry(t, testOptions())

	require.NoError(t, reg.RespondToPermission(t.Context(), "nobody", types.Deny("no")))

	startTurn(t, reg, "s1", "hi")
	transport.next(t)
	require.NoError(t, reg.RespondToPermission(t.Context(), "s1", types.Deny("no")))

	responder.mu.Lock()
	defer responder.mu.Unlock()
	assert.Empty(t, responder.answers)
}

func TestRegistry_RespondAlreadyResolved(t *testing.T) {
	reg, transport, responder := newTestRegistry(t, testOptions())
	responder.err = ErrPermissionNotFound
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	startTurn(t, reg, "s1", "hi")
	transport.next(t).send(permissionEvent("p1"))
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Type == types.EventPermissionRequest })

	assert.NoError(t, reg.RespondToPermission(t.Context(), "s1", types.Deny("late")))
}

func TestRegistry_RespondError(t *testing.T) {
	reg, transport, responder := newTestRegistry(t, testOptions())
	responder.err = errBoom
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	startTurn(t, reg, "s1", "hi")
	transport.next(t).send(permissionEvent("p1"))
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Type == types.EventPermissionRequest })

	err := reg.RespondToPermission(t.Context(), "s1", types.Deny("x"))
	require.ErrorIs(t, err, errBoom)
}

func TestRegistry_SubscribeBeforeStartAndUnsubscribe(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())

	a, b := newRecorder(), newRecorder()
	unsubA := reg.Subscribe("s1", a.listen)
	defer reg.Subscribe("s1", b.listen)()

	_, ok := reg.Snapshot("s1")
	assert.False(t, ok)

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)
	turn.send(wire.Text("one"))
	a.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.Text == "one" })

	unsubA()
	unsubA()
	turn.send(wire.Text(" two"), wire.Done())

	final := b.completed(t, turnID)
	assert.Equal(t, "one two", final.FinalContent)
	for _, ev := range a.all() {
		assert.NotEqual(t, types.EventCompleted, ev.Type)
	}
}

func TestRegistry_PlaceholderDropped(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testOptions())
	unsub := reg.Subscribe("s1", func(types.StreamEvent) {})
	reg.mu.Lock()
	_, exists := reg.entries["s1"]
	reg.mu.Unlock()
	assert.True(t, exists)

	unsub()
	reg.mu.Lock()
	_, exists = reg.entries["s1"]
	reg.mu.Unlock()
	assert.False(t, exists)
}

func TestRegistry_StartRacingPlaceholderDrop(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())

	for i := 0; i < 200; i++ {
		sessionID := fmt.Sprintf("s%d", i)
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				reg.Subscribe(sessionID, func(types.StreamEvent) {})()
			}
		}()

		turnID := startTurn(t, reg, sessionID, "hi")
		close(stop)
		wg.Wait()

		// The runner that Start installed must be the one the registry tracks.
		reg.mu.Lock()
		e := reg.entries[sessionID]
		reg.mu.Unlock()
		require.NotNil(t, e, "session %s lost its entry", sessionID)
		e.mu.Lock()
		tracked := ""
		if e.runner != nil {
			tracked = e.runner.TurnID()
		}
		e.mu.Unlock()
		require.Equal(t, turnID, tracked, "session %s", sessionID)

		transport.next(t).end()
	}
}

func TestRegistry_GracePeriodEviction(t *testing.T) {
	opts := testOptions()
	opts.GracePeriod = 50 * time.Millisecond
	reg, transport, _ := newTestRegistry(t, opts)

	startTurn(t, reg, "s1", "hi")
	transport.next(t).send(wire.Text("x"), wire.Done())

	assert.Eventually(t, func() bool {
		_, ok := reg.Snapshot("s1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_Clear(t *testing.T) {
	reg, transport, _ := newTestRegistry(t, testOptions())
	rec := newRecorder()
	defer reg.Subscribe("s1", rec.listen)()

	turnID := startTurn(t, reg, "s1", "hi")
	turn := transport.next(t)

	// Active sessions are not cleared.
	reg.Clear("s1")
	_, ok := reg.Snapshot("s1")
	assert.True(t, ok)

	turn.send(wire.Done())
	rec.completed(t, turnID)

	reg.Clear("s1")
	_, ok = reg.Snapshot("s1")
	assert.False(t, ok)
}

func TestRegistry_FilesChangedNotification(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []event.FilesChangedData
	unsub := bus.Subscribe(event.FilesChanged, func(ev event.Event) {
		var data event.FilesChangedData
		if ev.Decode(&data) == nil {
			mu.Lock()
			got = append(got, data)
			mu.Unlock()
		}
	})
	defer unsub()

	transport := newFakeTransport()
	reg := NewRegistry(RegistryConfig{Transport: transport, Options: testOptions(), Notes: bus})
	defer reg.Close()

	startTurn(t, reg, "s1", "edit")
	transport.next(t).send(
		wire.Event{Type: wire.TypeToolUse, ToolUse: &wire.ToolUse{ID: "t1", Name: "Edit"}},
		wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{ToolUseID: "t1", Content: "ok"}},
		wire.Event{Type: wire.TypeToolResult, ToolResult: &wire.ToolResult{ToolUseID: "t1", Content: "ok again"}},
		wire.Done(),
	)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", got[0].ToolUseID)
	assert.Equal(t, "Edit", got[0].ToolName)
}

func TestRegistry_Close(t *testing.T) {
	transport := newFakeTransport()
	reg := NewRegistry(RegistryConfig{Transport: transport, Options: testOptions()})
	rec := newRecorder()
	reg.Subscribe("s1", rec.listen)

	turnID := startTurn(t, reg, "s1", "hi")
	transport.next(t).send(wire.Text("partial"))
	rec.waitFor(t, func(ev types.StreamEvent) bool { return ev.Snapshot.Text == "partial" })

	reg.Close()
	final := rec.completed(t, turnID)
	assert.Equal(t, types.PhaseStopped, final.Phase)

	_, err := reg.Start("s1", types.TurnRequest{Content: "again"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	reg.Close()
}

func TestRegistry_StartRequiresSessionID(t *testing.T) {
	reg, _, _ := newTestRegistry(t, testOptions())
	_, err := reg.Start("", types.TurnRequest{})
	assert.Error(t, err)
}
