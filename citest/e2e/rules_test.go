package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var _ = Describe("Permission rules", Ordered, func() {
	var (
		rulesServer *testutil.TestServer
		rulesClient *testutil.TestClient
	)

	BeforeAll(func() {
		var err error
		rulesServer, err = testutil.StartTestServer(
			testutil.WithPermissionRules([]string{"Bash(git status *)"}, []string{"Bash(rm *)"}),
		)
		Expect(err).NotTo(HaveOccurred())
		rulesClient = rulesServer.Client()
	})

	AfterAll(func() {
		if rulesServer != nil {
			rulesServer.Stop()
		}
	})

	It("should allow a matching command without asking", func() {
		sessionID := testutil.SessionID("rule-allow")
		_, err := rulesClient.StartTurn(ctx, sessionID, "git status")
		Expect(err).NotTo(HaveOccurred())

		snap, err := rulesClient.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Text).To(Equal("Working tree clean."))
		Expect(snap.ToolOutcomes["g1"].Content).To(Equal("nothing to commit"))

		records, err := rulesClient.Audit(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Status).To(Equal(types.AuditAllow))
		Expect(records[0].Details).To(Equal("rule:Bash(git status *)"))
	})

	It("should deny a matching command without asking", func() {
		sessionID := testutil.SessionID("rule-deny")
		_, err := rulesClient.StartTurn(ctx, sessionID, "wipe the build dir")
		Expect(err).NotTo(HaveOccurred())

		snap, err := rulesClient.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Text).To(ContainSubstring("Permission to use Bash was denied"))
		Expect(snap.ToolOutcomes["w1"].IsError).To(BeTrue())

		records, err := rulesClient.Audit(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Status).To(Equal(types.AuditDeny))
		Expect(records[0].Details).To(Equal("rule:Bash(rm *)"))
	})

	It("should still ask for commands no rule covers", func() {
		sessionID := testutil.SessionID("rule-ask")
		_, err := rulesClient.StartTurn(ctx, sessionID, "list files")
		Expect(err).NotTo(HaveOccurred())

		snap, err := rulesClient.WaitForSnapshot(ctx, sessionID, 5*time.Second, func(s types.SessionState) bool {
			return s.PendingPermission != nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Phase).To(Equal(types.PhaseActive))

		resp, err := rulesClient.RespondPermission(ctx, sessionID, types.Allow())
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())

		_, err = rulesClient.WaitForPhase(ctx, sessionID, types.PhaseCompleted, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
	})
})
