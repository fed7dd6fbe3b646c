package e2e_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// observer records the stream events of one session.
type observer struct {
	mu     sync.Mutex
	events []types.StreamEvent
	finals chan types.SessionState
	asks   chan types.PermissionRequest
}

func newObserver() *observer {
	return &observer{
		finals: make(chan types.SessionState, 8),
		asks:   make(chan types.PermissionRequest, 8),
	}
}

func (o *observer) listen(ev types.StreamEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()

	switch ev.Type {
	case types.EventCompleted:
		o.finals <- ev.Snapshot
	case types.EventPermissionRequest:
		if ev.Snapshot.PendingPermission != nil {
			o.asks <- *ev.Snapshot.PendingPermission
		}
	}
}

func (o *observer) kinds() []types.StreamEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.StreamEventType, len(o.events))
	for i, ev := range o.events {
		out[i] = ev.Type
	}
	return out
}

var _ = Describe("Session Stream Registry against a live server", func() {
	var (
		registry  *stream.Registry
		obs       *observer
		sessionID string
		unsub     func()
	)

	BeforeEach(func() {
		transport := stream.NewHTTPTransport(testServer.BaseURL)
		registry = stream.NewRegistry(stream.RegistryConfig{
			Transport: transport,
			Responder: transport,
			Options:   stream.OptionsFromConfig(testutil.FastStream()),
		})
		obs = newObserver()
		sessionID = testutil.SessionID("e2e")
		unsub = registry.Subscribe(sessionID, obs.listen)
	})

	AfterEach(func() {
		unsub()
		registry.Close()
	})

	start := func(content string) string {
		turnID, err := registry.Start(sessionID, types.TurnRequest{Content: content})
		Expect(err).NotTo(HaveOccurred())
		return turnID
	}

	final := func() types.SessionState {
		var snap types.SessionState
		Eventually(obs.finals, 5*time.Second).Should(Receive(&snap))
		return snap
	}

	Describe("a turn that needs permission", func() {
		It("should complete after the permission is allowed", func() {
			turnID := start("list files")

			var ask types.PermissionRequest
			Eventually(obs.asks, 5*time.Second).Should(Receive(&ask))
			Expect(ask.ToolName).To(Equal("Bash"))
			Expect(ask.SessionID).To(Equal(sessionID))

			snap, ok := registry.Snapshot(sessionID)
			Expect(ok).To(BeTrue())
			Expect(snap.PendingPermission).NotTo(BeNil())
			Expect(snap.PendingPermission.ID).To(Equal(ask.ID))

			Expect(registry.RespondToPermission(ctx, sessionID, types.Allow())).To(Succeed())

			done := final()
			Expect(done.TurnID).To(Equal(turnID))
			Expect(done.Phase).To(Equal(types.PhaseCompleted))
			Expect(done.Text).To(Equal("Listing files. Found 2 files."))
			Expect(done.FinalContent).To(ContainSubstring(`"tool_use"`))
			Expect(done.ToolInvocations).To(HaveLen(1))
			Expect(done.ToolOutcomes["t1"].Content).To(Equal("main.go\ngo.mod"))
			Expect(done.Usage).NotTo(BeNil())
			Expect(done.Usage.InputTokens).To(Equal(120))
			Expect(done.Usage.OutputTokens).To(Equal(14))

			// The decision is visible until the settle delay passes.
			Eventually(func() *types.PermissionRequest {
				s, _ := registry.Snapshot(sessionID)
				return s.PendingPermission
			}, 2*time.Second).Should(BeNil())

			kinds := obs.kinds()
			Expect(kinds[0]).To(Equal(types.EventPhaseChanged))
			Expect(kinds[len(kinds)-1]).To(Equal(types.EventCompleted))
		})

		It("should report the denial and finish", func() {
			start("list files")

			Eventually(obs.asks, 5*time.Second).Should(Receive())
			Expect(registry.RespondToPermission(ctx, sessionID, types.Deny("no shell today"))).To(Succeed())

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseCompleted))
			Expect(done.Text).To(ContainSubstring("Permission to use Bash was denied (no shell today)."))
			Expect(done.ToolOutcomes["t1"].IsError).To(BeTrue())

			records, err := client.Audit(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(types.AuditDeny))
		})

		It("should ignore a second answer", func() {
			start("list files")

			Eventually(obs.asks, 5*time.Second).Should(Receive())
			Expect(registry.RespondToPermission(ctx, sessionID, types.Allow())).To(Succeed())
			Expect(registry.RespondToPermission(ctx, sessionID, types.Deny("too late"))).To(Succeed())

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseCompleted))
			Expect(done.Text).To(ContainSubstring("Found 2 files."))

			records, err := client.Audit(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(types.AuditAllow))
		})
	})

	Describe("turn failures", func() {
		It("should end in error when the agent reports one", func() {
			start("explode")

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseError))
			Expect(done.Text).To(ContainSubstring("Error: model overloaded"))
		})

		It("should end in error when the stream goes idle", func() {
			start("silent")

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseError))
			Expect(done.Error).To(ContainSubstring("Stream idle timeout"))
			Expect(done.Text).To(HavePrefix("Hold on."))
		})
	})

	Describe("stopping", func() {
		It("should stop an active turn and keep the partial text", func() {
			start("slow")

			Eventually(func() string {
				s, _ := registry.Snapshot(sessionID)
				return s.Text
			}, 5*time.Second).Should(HavePrefix("Thinking"))

			registry.Stop(sessionID)

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseStopped))
			Expect(done.ToolTimeout).To(BeNil())
			Expect(done.Text).NotTo(ContainSubstring("Done."))
			Expect(registry.Active(sessionID)).To(BeFalse())
		})

		It("should treat stop without a turn as a no-op", func() {
			registry.Stop(sessionID)
			_, ok := registry.Snapshot(sessionID)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("tool stalls", func() {
		It("should stop the stalled turn and retry once with a new prompt", func() {
			first := start("stall")

			stalled := final()
			Expect(stalled.TurnID).To(Equal(first))
			Expect(stalled.Phase).To(Equal(types.PhaseStopped))
			Expect(stalled.ToolTimeout).NotTo(BeNil())
			Expect(stalled.ToolTimeout.ToolName).To(Equal("Bash"))
			Expect(stalled.FinalContent).To(ContainSubstring("timed out"))

			retried := final()
			Expect(retried.TurnID).NotTo(Equal(first))
			Expect(retried.Phase).To(Equal(types.PhaseCompleted))
			Expect(retried.FinalContent).To(HavePrefix("You said: The Bash tool call timed out"))

			Consistently(obs.finals, 300*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("status and mode", func() {
		It("should record the mode reported by the agent", func() {
			start("plan the work")

			done := final()
			Expect(done.Phase).To(Equal(types.PhaseCompleted))
			Expect(done.Mode).To(Equal("plan"))
			Expect(done.FinalContent).To(Equal("Here is the plan."))
		})
	})

	Describe("clearing", func() {
		It("should forget a finished session", func() {
			start("hello")
			Expect(final().Phase).To(Equal(types.PhaseCompleted))

			registry.Clear(sessionID)
			_, ok := registry.Snapshot(sessionID)
			Expect(ok).To(BeFalse())
		})
	})
})
