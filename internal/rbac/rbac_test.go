package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionWrite, true},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionRead, true},
		{RoleEditor, ActionAdmin, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionWrite, false},
		{Role("bogus"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("editor") != RoleEditor {
		t.Fatalf("expected editor")
	}
	if Normalize("") != RoleViewer {
		t.Fatalf("unknown roles default to viewer")
	}
}
