package sysstate

import "testing"

func TestNewDefaults(t *testing.T) {
	s := New()
	if s.Runlevel != LevelS {
		t.Errorf("Runlevel = %d, want LevelS", s.Runlevel)
	}
	if s.CfgLevel != DefaultCfgLevel {
		t.Errorf("CfgLevel = %d, want %d", s.CfgLevel, DefaultCfgLevel)
	}
}

func TestNewBootstrapDefaults(t *testing.T) {
	s := New()
	if !s.Bootstrapping {
		t.Error("Bootstrapping should default true")
	}
	if !s.Progress {
		t.Error("Progress should default true")
	}
	if s.BootstrapTimeout != DefaultBootstrapTimeout {
		t.Errorf("BootstrapTimeout = %v, want %v", s.BootstrapTimeout, DefaultBootstrapTimeout)
	}
}

func TestSetCfgLevel(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"valid", 3, 3},
		{"halt rejected", 0, DefaultCfgLevel},
		{"reboot rejected", 6, DefaultCfgLevel},
		{"out of range", 14, DefaultCfgLevel},
		{"negative", -1, DefaultCfgLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.SetCfgLevel(tt.in)
			if s.CfgLevel != tt.want {
				t.Errorf("SetCfgLevel(%d) = %d, want %d", tt.in, s.CfgLevel, tt.want)
			}
		})
	}
}

func TestEffectiveLevel(t *testing.T) {
	s := New()
	s.CfgLevel = 3
	if got := s.EffectiveLevel(); got != 3 {
		t.Errorf("EffectiveLevel() = %d, want 3 (cfglevel)", got)
	}
	s.CmdLevel = 5
	if got := s.EffectiveLevel(); got != 5 {
		t.Errorf("EffectiveLevel() = %d, want 5 (cmdlevel override)", got)
	}
}

func TestTransition(t *testing.T) {
	s := New()
	s.Transition(2)
	if s.PrevLevel != LevelS || s.Runlevel != 2 {
		t.Errorf("Transition: got prev=%d runlevel=%d", s.PrevLevel, s.Runlevel)
	}
	s.Transition(3)
	if s.PrevLevel != 2 || s.Runlevel != 3 {
		t.Errorf("Transition: got prev=%d runlevel=%d", s.PrevLevel, s.Runlevel)
	}
}

func TestValidateRunlevel(t *testing.T) {
	if err := ValidateRunlevel(3); err != nil {
		t.Errorf("ValidateRunlevel(3) = %v, want nil", err)
	}
	if err := ValidateRunlevel(10); err == nil {
		t.Error("ValidateRunlevel(10) should reject")
	}
	if err := ValidateRunlevel(-1); err == nil {
		t.Error("ValidateRunlevel(-1) should reject")
	}
}

func TestMask(t *testing.T) {
	var m Mask
	m |= Bit(2) | Bit(3) | Bit(4)

	if !m.Contains(3) {
		t.Error("mask should contain 3")
	}
	if m.Contains(5) {
		t.Error("mask should not contain 5")
	}
	if got := m.String(); got != "234" {
		t.Errorf("String() = %q, want %q", got, "234")
	}
}

func TestAllLevels(t *testing.T) {
	for lvl := LevelMin; lvl <= LevelMax; lvl++ {
		if !AllLevels.Contains(lvl) {
			t.Errorf("AllLevels should contain %d", lvl)
		}
	}
}
