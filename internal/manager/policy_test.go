package manager

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(0)
	now := time.Now()

	want := []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		d, ok := b.Next(now)
		if !ok {
			t.Fatalf("step %d: backoff refused to restart", i)
		}
		if d != w {
			t.Errorf("step %d: delay = %v, want %v", i, d, w)
		}
		b.Fired()
	}
}

func TestBackoffResetAndMismatch(t *testing.T) {
	b := NewBackoff(0)
	for range 3 {
		b.Fired()
	}
	b.Reset()
	if d, _ := b.Next(time.Now()); d != 0 {
		t.Errorf("delay after Reset = %v, want 0", d)
	}

	b.Mismatch()
	if b.Count() != 5 {
		t.Errorf("count after Mismatch = %d, want 5", b.Count())
	}
	if d, _ := b.Next(time.Now()); d != 3200*time.Millisecond {
		t.Errorf("delay after Mismatch = %v, want 3.2s", d)
	}

	custom := NewBackoff(2)
	custom.Mismatch()
	if d, _ := custom.Next(time.Now()); d != 400*time.Millisecond {
		t.Errorf("delay with little while 2 = %v, want 400ms", d)
	}
}

func TestBackoffCap(t *testing.T) {
	b := NewBackoff(0)
	for range 30 {
		b.Fired()
	}
	want := time.Duration(1<<16) * 100 * time.Millisecond
	if d, _ := b.Next(time.Now()); d != want {
		t.Errorf("capped delay = %v, want %v", d, want)
	}
}

func TestCrashLoopGuard(t *testing.T) {
	g := NewCrashLoopGuard(0)
	if g.Threshold != time.Second {
		t.Fatalf("default threshold = %v, want 1s", g.Threshold)
	}
	start := time.Now()

	d, ok := g.Next(start)
	if !ok || d != 0 {
		t.Fatalf("first restart = (%v, %v), want (0, true)", d, ok)
	}
	if !g.LastRestart().Equal(start) {
		t.Errorf("LastRestart = %v, want %v", g.LastRestart(), start)
	}

	if _, ok := g.Next(start.Add(999 * time.Millisecond)); ok {
		t.Error("restart within threshold was allowed")
	}
	// A refused restart does not move the reference point.
	if !g.LastRestart().Equal(start) {
		t.Errorf("LastRestart moved to %v after refusal", g.LastRestart())
	}

	if _, ok := g.Next(start.Add(time.Second)); !ok {
		t.Error("restart after threshold was refused")
	}

	// Fired, Reset and Mismatch carry no state.
	g.Fired()
	g.Reset()
	g.Mismatch()
	if d, ok := g.Next(start.Add(3 * time.Second)); !ok || d != 0 {
		t.Errorf("restart after no-op calls = (%v, %v), want (0, true)", d, ok)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
		check   func(RestartPolicy) bool
	}{
		{"", false, func(p RestartPolicy) bool { _, ok := p.(*Backoff); return ok }},
		{"backoff", false, func(p RestartPolicy) bool { _, ok := p.(*Backoff); return ok }},
		{"crash-guard", false, func(p RestartPolicy) bool {
			g, ok := p.(*CrashLoopGuard)
			return ok && g.Threshold == 2*time.Second
		}},
		{"forever", true, nil},
	}
	for _, tt := range tests {
		p, err := ParsePolicy(tt.name, 0, 2*time.Second)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePolicy(%q) succeeded, want error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePolicy(%q): %v", tt.name, err)
			continue
		}
		if !tt.check(p) {
			t.Errorf("ParsePolicy(%q) = %T, unexpected", tt.name, p)
		}
	}

	a, _ := ParsePolicy("backoff", 0, 0)
	b, _ := ParsePolicy("backoff", 0, 0)
	if a == b {
		t.Error("ParsePolicy returned a shared instance")
	}
}
