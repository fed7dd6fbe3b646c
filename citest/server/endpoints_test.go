package server_test

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/internal/wire"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var _ = Describe("Server Endpoints Integration Tests", func() {
	var sessions *testutil.SessionManager

	BeforeEach(func() {
		sessions = testutil.NewSessionManager(client)
	})

	AfterEach(func() {
		sessions.Cleanup(ctx)
	})

	Describe("GET /health", func() {
		It("should report the agent", func() {
			resp, err := client.Get(ctx, "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body["status"]).To(Equal("ok"))
			Expect(body["agent"]).To(Equal("script"))
		})
	})

	// ==================== Turn Endpoint ====================
	Describe("POST /chat", func() {
		It("should stream wire events ending with done", func() {
			body, err := client.PostStreaming(ctx, "/chat", types.TurnRequest{
				SessionID: sessions.New("chat"),
				Content:   "hello there",
			})
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()
			Expect(body.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Headers.Get("Content-Type")).To(HavePrefix("text/event-stream"))

			events, err := body.ReadAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(testutil.EventTypes(events)).To(Equal([]string{string(wire.TypeText), string(wire.TypeDone)}))
			Expect(events[0].Text).To(Equal("You said: hello there"))
		})

		It("should carry agent errors as error events", func() {
			body, err := client.PostStreaming(ctx, "/chat", types.TurnRequest{
				SessionID: sessions.New("chat"),
				Content:   "explode",
			})
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()

			events, err := body.ReadAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(testutil.EventTypes(events)).To(ContainElement(string(wire.TypeError)))
			Expect(events[len(events)-1].Type).To(Equal(wire.TypeDone))
		})

		It("should reject a request without content", func() {
			resp, err := client.Post(ctx, "/chat", types.TurnRequest{SessionID: "s1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body testutil.ErrorResponse
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body.Error.Code).To(Equal("INVALID_REQUEST"))
		})

		It("should reject a request without a session", func() {
			resp, err := client.Post(ctx, "/chat", types.TurnRequest{Content: "hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should announce permission requests on the stream", func() {
			sessionID := sessions.New("chat-perm")
			body, err := client.PostStreaming(ctx, "/chat", types.TurnRequest{
				SessionID: sessionID,
				Content:   "list files",
			})
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()

			var ask wire.Event
			for {
				ev, err := body.Next()
				Expect(err).NotTo(HaveOccurred())
				if ev.Type == wire.TypePermissionRequest {
					ask = ev
					break
				}
			}
			Expect(ask.Permission).NotTo(BeNil())
			Expect(ask.Permission.ToolName).To(Equal("Bash"))

			resp, err := client.Post(ctx, "/chat/permission", stream.PermissionAnswer{
				ID:       ask.Permission.ID,
				Decision: types.Allow(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			rest, err := body.ReadAll()
			Expect(err).NotTo(HaveOccurred())
			var text strings.Builder
			for _, ev := range rest {
				if ev.Type == wire.TypeText {
					text.WriteString(ev.Text)
				}
			}
			Expect(text.String()).To(ContainSubstring("Found 2 files."))
		})
	})

	Describe("POST /chat/permission", func() {
		It("should return 404 for an unknown request", func() {
			resp, err := client.Post(ctx, "/chat/permission", stream.PermissionAnswer{
				ID:       "perm_missing",
				Decision: types.Deny("late"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			var body testutil.ErrorResponse
			Expect(resp.JSON(&body)).To(Succeed())
			Expect(body.Error.Details).To(HaveKeyWithValue("permissionRequestId", "perm_missing"))
		})
	})

	// ==================== Session Endpoints ====================
	Describe("Session Endpoints", func() {
		Describe("POST /session/{id}/start", func() {
			It("should run the turn to completion", func() {
				sessionID := sessions.New("start")
				turnID, err := client.StartTurn(ctx, sessionID, "ping")
				Expect(err).NotTo(HaveOccurred())
				Expect(turnID).NotTo(BeEmpty())

				snap, err := client.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.TurnID).To(Equal(turnID))
				Expect(snap.FinalContent).To(Equal("You said: ping"))
			})

			It("should reject empty content", func() {
				resp, err := client.Post(ctx, "/session/"+sessions.New("start")+"/start", testutil.StartTurnRequest{})
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("GET /session/{id}/snapshot", func() {
			It("should return 404 for an unknown session", func() {
				_, ok, err := client.Snapshot(ctx, "never-started")
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})

		Describe("POST /session/{id}/permission", func() {
			It("should reject an invalid behavior", func() {
				resp, err := client.RespondPermission(ctx, sessions.New("perm"), types.Decision{Behavior: "maybe"})
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should accept an answer when nothing is pending", func() {
				resp, err := client.RespondPermission(ctx, sessions.New("perm"), types.Allow())
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		Describe("DELETE /session/{id}", func() {
			It("should refuse to clear a running turn and clear it once finished", func() {
				sessionID := sessions.New("clear")
				_, err := client.StartTurn(ctx, sessionID, "slow")
				Expect(err).NotTo(HaveOccurred())

				resp, err := client.Delete(ctx, "/session/"+sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))

				_, err = client.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
				Expect(err).NotTo(HaveOccurred())

				resp, err = client.Delete(ctx, "/session/"+sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				_, ok, err := client.Snapshot(ctx, sessionID)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})
	})

	// ==================== Permission Endpoints ====================
	Describe("GET /permission", func() {
		It("should list a waiting request until it is answered", func() {
			sessionID := sessions.New("pending")
			_, err := client.StartTurn(ctx, sessionID, "list files")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []string {
				pending, err := client.PendingPermissions(ctx)
				if err != nil {
					return nil
				}
				var ids []string
				for _, p := range pending {
					ids = append(ids, p.SessionID)
				}
				return ids
			}, 5*time.Second, 25*time.Millisecond).Should(ContainElement(sessionID))

			_, err = client.WaitForSnapshot(ctx, sessionID, 5*time.Second, func(s types.SessionState) bool {
				return s.PendingPermission != nil
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.RespondPermission(ctx, sessionID, types.Deny("not now"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			snap, err := client.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Text).To(ContainSubstring("was denied"))

			Eventually(func() int {
				pending, _ := client.PendingPermissions(ctx)
				n := 0
				for _, p := range pending {
					if p.SessionID == sessionID {
						n++
					}
				}
				return n
			}, 5*time.Second, 25*time.Millisecond).Should(BeZero())
		})
	})

	Describe("GET /permission/audit/{id}", func() {
		It("should return 404 for an unknown id", func() {
			resp, err := client.Get(ctx, "/permission/audit/perm_missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
