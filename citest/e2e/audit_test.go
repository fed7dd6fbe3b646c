package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/internal/storage"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var _ = Describe("SQLite permission audit", Ordered, func() {
	var (
		auditServer *testutil.TestServer
		auditClient *testutil.TestClient
	)

	BeforeAll(func() {
		var err error
		auditServer, err = testutil.StartTestServer(testutil.WithAuditDriver(storage.DriverSQLite))
		Expect(err).NotTo(HaveOccurred())
		auditClient = auditServer.Client()
	})

	AfterAll(func() {
		if auditServer != nil {
			auditServer.Stop()
		}
	})

	It("should record the request and its outcome", func() {
		sessionID := testutil.SessionID("audit")
		_, err := auditClient.StartTurn(ctx, sessionID, "list files")
		Expect(err).NotTo(HaveOccurred())

		snap, err := auditClient.WaitForSnapshot(ctx, sessionID, 5*time.Second, func(s types.SessionState) bool {
			return s.PendingPermission != nil
		})
		Expect(err).NotTo(HaveOccurred())
		permissionID := snap.PendingPermission.ID

		resp, err := auditClient.Get(ctx, "/permission/audit/"+permissionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var pending types.AuditRecord
		Expect(resp.JSON(&pending)).To(Succeed())
		Expect(pending.Status).To(Equal(types.AuditPending))
		Expect(pending.ToolName).To(Equal("Bash"))
		Expect(pending.ResolvedAt).To(BeNil())

		resp, err = auditClient.RespondPermission(ctx, sessionID, types.Allow())
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())

		Eventually(func() types.AuditStatus {
			rec, err := auditServer.Audit.Get(ctx, permissionID)
			if err != nil {
				return ""
			}
			return rec.Status
		}, 5*time.Second, 25*time.Millisecond).Should(Equal(types.AuditAllow))

		rec, err := auditServer.Audit.Get(ctx, permissionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.SessionID).To(Equal(sessionID))
		Expect(rec.ResolvedAt).NotTo(BeNil())
		Expect(string(rec.ToolInput)).To(MatchJSON(`{"command":"ls"}`))
	})

	It("should expire requests left pending by a previous process", func() {
		now := time.Now()
		Expect(auditServer.Audit.RecordRequest(ctx, types.PermissionRequest{
			ID:        "perm_stale",
			SessionID: "crashed",
			ToolName:  "Write",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: now.Add(-55 * time.Minute),
		})).To(Succeed())

		Expect(auditServer.Server.Recover(ctx)).To(Succeed())

		rec, err := auditServer.Audit.Get(ctx, "perm_stale")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Status).To(Equal(types.AuditExpired))

		records, err := auditClient.Audit(ctx, "crashed")
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).To(Equal("perm_stale"))
	})
})
