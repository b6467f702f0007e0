package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleCitizen, ActionReport, true},
		{RoleCitizen, ActionTriage, false},
		{RoleCitizen, ActionModerate, false},
		{RoleCitizen, ActionAdmin, false},
		{RoleSteward, ActionReport, true},
		{RoleSteward, ActionTriage, true},
		{RoleSteward, ActionModerate, true},
		{RoleSteward, ActionAdmin, false},
		{RoleSuperAdmin, ActionAdmin, true},
		{RoleSuperAdmin, ActionTriage, true},
		{Role("unknown"), ActionReport, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalizeFallsBackToCitizen(t *testing.T) {
	if got := Normalize("EDITOR"); got != RoleCitizen {
		t.Errorf("Normalize(EDITOR) = %s, want CITIZEN", got)
	}
	if got := Normalize("STEWARD"); got != RoleSteward {
		t.Errorf("Normalize(STEWARD) = %s, want STEWARD", got)
	}
}
