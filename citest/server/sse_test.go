package server_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var _ = Describe("SSE Streams", func() {
	var (
		sessions *testutil.SessionManager
		sse      *testutil.SSEClient
	)

	BeforeEach(func() {
		sessions = testutil.NewSessionManager(client)
		sse = testServer.SSEClient()
	})

	AfterEach(func() {
		sse.Close()
		sessions.Cleanup(ctx)
	})

	Describe("GET /session/{id}/events", func() {
		It("should stream phase changes, snapshots and completion in order", func() {
			sessionID := sessions.New("sse")
			Expect(sse.Connect(ctx, "/session/"+sessionID+"/events")).To(Succeed())

			turnID, err := client.StartTurn(ctx, sessionID, "hello")
			Expect(err).NotTo(HaveOccurred())

			evt, err := sse.WaitForEvent(string(types.EventCompleted), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			done, err := evt.StreamEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(done.SessionID).To(Equal(sessionID))
			Expect(done.Snapshot.TurnID).To(Equal(turnID))
			Expect(done.Snapshot.Phase).To(Equal(types.PhaseCompleted))
			Expect(done.Snapshot.FinalContent).To(Equal("You said: hello"))

			var kinds []string
			for _, e := range sse.GetAllEvents() {
				if e.Type != "heartbeat" {
					kinds = append(kinds, e.Type)
				}
			}
			Expect(kinds[0]).To(Equal(string(types.EventPhaseChanged)))
			Expect(kinds).To(ContainElement(string(types.EventSnapshotUpdated)))
			Expect(kinds[len(kinds)-1]).To(Equal(string(types.EventCompleted)))
		})

		It("should send the current snapshot first when one exists", func() {
			sessionID := sessions.New("sse-snap")
			_, err := client.StartTurn(ctx, sessionID, "hello again")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(sse.Connect(ctx, "/session/"+sessionID+"/events")).To(Succeed())
			evt, err := sse.WaitForAnyEvent(5 * time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(evt.Type).To(Equal("snapshot"))

			snap, err := evt.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Phase).To(Equal(types.PhaseCompleted))
			Expect(snap.FinalContent).To(Equal("You said: hello again"))
		})

		It("should deliver the permission request to observers", func() {
			sessionID := sessions.New("sse-perm")
			Expect(sse.Connect(ctx, "/session/"+sessionID+"/events")).To(Succeed())

			_, err := client.StartTurn(ctx, sessionID, "list files")
			Expect(err).NotTo(HaveOccurred())

			evt, err := sse.WaitForEvent(string(types.EventPermissionRequest), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			ask, err := evt.StreamEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(ask.Snapshot.PendingPermission).NotTo(BeNil())
			Expect(ask.Snapshot.PendingPermission.ToolName).To(Equal("Bash"))
			Expect(string(ask.Snapshot.PendingPermission.ToolInput)).To(MatchJSON(`{"command":"ls"}`))

			resp, err := client.RespondPermission(ctx, sessionID, types.Allow())
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			evt, err = sse.WaitForEvent(string(types.EventCompleted), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			done, err := evt.StreamEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Snapshot.ToolOutcomes).To(HaveKey("t1"))
			Expect(done.Snapshot.FinalContent).To(ContainSubstring("Found 2 files."))
		})
	})

	Describe("GET /event", func() {
		It("should announce the connection", func() {
			Expect(sse.Connect(ctx, "/event")).To(Succeed())

			evt, err := sse.WaitForEvent("message", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(evt.Data)).To(ContainSubstring("server.connected"))
		})

		It("should relay every notification kind for a session", func() {
			sessionID := sessions.New("notes")
			Expect(sse.Connect(ctx, "/event?sessionID="+sessionID)).To(Succeed())
			_, err := sse.WaitForEvent("message", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.StartTurn(ctx, sessionID, "list files")
			Expect(err).NotTo(HaveOccurred())

			seen := map[event.EventType]*event.Event{}
			deadline := time.Now().Add(5 * time.Second)
			for len(seen) < len(event.AllTypes) && time.Now().Before(deadline) {
				evt, err := sse.WaitForEvent("message", time.Until(deadline))
				Expect(err).NotTo(HaveOccurred())
				n, err := evt.Notification()
				if err != nil || n.Type == "" {
					continue
				}
				Expect(n.SessionID).To(Equal(sessionID))
				if _, dup := seen[n.Type]; !dup {
					seen[n.Type] = n
				}
				if n.Type == event.PermissionRequested {
					var asked event.PermissionRequestedData
					Expect(n.Decode(&asked)).To(Succeed())
					resp, err := client.Post(ctx, "/chat/permission", stream.PermissionAnswer{
						ID:       asked.Request.ID,
						Decision: types.Allow(),
					})
					Expect(err).NotTo(HaveOccurred())
					Expect(resp.IsSuccess()).To(BeTrue())
				}
			}
			Expect(seen).To(HaveLen(len(event.AllTypes)))

			var data event.PermissionResolvedData
			Expect(seen[event.PermissionResolved].Decode(&data)).To(Succeed())
			Expect(data.ToolName).To(Equal("Bash"))
			Expect(data.Behavior).To(Equal(types.BehaviorAllow))
			Expect(data.Status).To(Equal(types.AuditAllow))

			var turn event.TurnFinishedData
			Expect(seen[event.TurnFinished].Decode(&turn)).To(Succeed())
			Expect(turn.Phase).To(Equal(types.PhaseCompleted))
		})
	})
})
