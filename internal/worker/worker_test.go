package worker

import (
	"testing"
	"time"
)

func TestRestartBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for attempt, d := range want {
		if got := restartBackoff(attempt); got != d {
			t.Errorf("restartBackoff(%d) = %v, want %v", attempt, got, d)
		}
	}
}

func TestSameToolSet(t *testing.T) {
	cases := []struct {
		name string
		a, b []ToolInfo
		want bool
	}{
		{"identical", toolSet("a", "b"), toolSet("a", "b"), true},
		{"reordered", toolSet("a", "b"), toolSet("b", "a"), true},
		{"missing", toolSet("a", "b"), toolSet("a"), false},
		{"renamed", toolSet("a", "b"), toolSet("a", "c"), false},
		{"both empty", nil, []ToolInfo{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sameToolSet(tc.a, tc.b); got != tc.want {
				t.Errorf("sameToolSet = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassConfigDefaults(t *testing.T) {
	gpu := ClassConfig{}.withDefaults(ClassGPU)
	if gpu.Concurrency != 1 {
		t.Errorf("gpu concurrency = %d, want 1", gpu.Concurrency)
	}
	cpu := ClassConfig{}.withDefaults(ClassCPU)
	if cpu.Concurrency != 4 {
		t.Errorf("cpu concurrency = %d, want 4", cpu.Concurrency)
	}
	if cpu.QueueDepth != 16 || cpu.ReadyTimeout != 3*time.Second {
		t.Errorf("defaults not applied: %+v", cpu)
	}

	custom := ClassConfig{Concurrency: 2, QueueDepth: 5}.withDefaults(ClassGPU)
	if custom.Concurrency != 2 || custom.QueueDepth != 5 {
		t.Errorf("explicit values overridden: %+v", custom)
	}
}

func TestClassIsValid(t *testing.T) {
	if !ClassCPU.IsValid() || !ClassGPU.IsValid() {
		t.Error("known classes should be valid")
	}
	if Class("tpu").IsValid() {
		t.Error("unknown class should be invalid")
	}
}
