package auth

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolveMergesRolesAndGrants(t *testing.T) {
	got := Resolve([]string{RoleViewer, "unknown"}, []string{PlanWrite, PlanRead, ""})
	want := []string{EventsRead, HandoffRead, PlanRead, PlanWrite}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRequire(t *testing.T) {
	planner := Resolve([]string{RolePlanner}, nil)
	if err := Require(planner, PlanWrite); err != nil {
		t.Fatalf("planner should write: %v", err)
	}
	err := Require(planner, PlanApprove)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PlanApprove {
		t.Fatalf("expected forbidden plan.approve, got %v", err)
	}
	if err := Require(Resolve([]string{RoleAdmin}, nil), PlanReset); err != nil {
		t.Fatalf("admin should reset: %v", err)
	}
}
