package headless

import (
	"context"

	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Approver decides permission requests raised during a run.
type Approver interface {
	Approve(ctx context.Context, req types.PermissionRequest) types.Decision
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req types.PermissionRequest) types.Decision

func (f ApproverFunc) Approve(ctx context.Context, req types.PermissionRequest) types.Decision {
	return f(ctx, req)
}

// AutoApprove allows every request.
var AutoApprove Approver = ApproverFunc(func(context.Context, types.PermissionRequest) types.Decision {
	return types.Allow()
})

// DenyAll denies every request. It is the default for unattended runs.
var DenyAll Approver = ApproverFunc(func(_ context.Context, req types.PermissionRequest) types.Decision {
	return types.Deny("permission for " + req.ToolName + " requires --auto-approve")
})
