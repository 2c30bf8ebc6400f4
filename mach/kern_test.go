//go:build darwin

package mach

import "testing"

func TestRunStateString(t *testing.T) {
	cases := []struct {
		state RunState
		want  string
	}{
		{RunStateRunning, "RUNNING"},
		{RunStateStopped, "STOPPED"},
		{RunStateWaiting, "WAITING"},
		{RunStateUninterruptible, "UNINTERRUPTIBLE"},
		{RunStateHalted, "HALTED"},
		{RunState(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("RunState(%d).String() = %q, want %q", c.state, got, c.want)
		}
	}
}

func TestKernReturnError(t *testing.T) {
	err := KernReturn(kernNoAccess)
	if err.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}

func TestSecondsMicros(t *testing.T) {
	d := secondsMicros(2, 500000)
	if d.Seconds() != 2.5 {
		t.Errorf("secondsMicros(2, 500000) = %v, want 2.5s", d)
	}
}
