package cgroup

import "testing"

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"sshd":       true,
		"my-service": true,
		"a.b_c":      true,
		"":           false,
		".hidden":    false,
		"../etc":     false,
		"a/b":        false,
	}
	for name, want := range cases {
		if got := validName.MatchString(name); got != want {
			t.Errorf("validName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPlaceProcessEmptyNameIsNoop(t *testing.T) {
	m := New()
	if err := m.PlaceProcess("", 1234); err != nil {
		t.Errorf("PlaceProcess with empty name should be a no-op, got %v", err)
	}
}

func TestPlaceProcessRejectsBadName(t *testing.T) {
	m := New()
	if err := m.PlaceProcess("../etc", 1234); err == nil {
		t.Error("expected error for unsafe cgroup name")
	}
}
