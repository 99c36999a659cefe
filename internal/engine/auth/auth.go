// Package auth maps caller roles to the permissions plan operations require.
package auth

import (
	"fmt"
	"sort"
)

// Permissions checked by the API.
const (
	PlanRead     = "plan.read"
	PlanWrite    = "plan.write"
	PlanApprove  = "plan.approve"
	PlanReset    = "plan.reset"
	IssueRetry   = "issue.retry"
	EventsRead   = "events.read"
	HandoffSend  = "handoff.send"
	HandoffRead  = "handoff.read"
	AllowAll     = "*"
	RoleAdmin    = "admin"
	RoleViewer   = "viewer"
	RolePlanner  = "planner"
	RoleApprover = "approver"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var rolePermissions = map[string][]string{
	RoleViewer:   {PlanRead, EventsRead, HandoffRead},
	RolePlanner:  {PlanRead, PlanWrite, EventsRead, HandoffSend, HandoffRead},
	RoleApprover: {PlanRead, PlanApprove, IssueRetry, EventsRead, HandoffRead},
	RoleAdmin:    {AllowAll},
}

// Resolve expands roles into permissions and merges explicit grants. The
// result is sorted and free of duplicates.
func Resolve(roles, explicit []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range explicit {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless perms grants perm.
func Require(perms []string, perm string) error {
	for _, p := range perms {
		if p == perm || p == AllowAll {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
