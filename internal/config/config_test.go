package config

import (
	"testing"
	"time"

	"github.com/cantoria/cantoria/internal/worker"
)

func TestDurationDefaults(t *testing.T) {
	cfg := &Config{}
	if got := cfg.SessionTTL(); got != 24*time.Hour {
		t.Errorf("SessionTTL = %v", got)
	}
	if got := cfg.JobDeadline(); got != 900*time.Second {
		t.Errorf("JobDeadline = %v", got)
	}
	if got := cfg.ReservationTTL(); got != time.Hour {
		t.Errorf("ReservationTTL = %v", got)
	}

	cfg.Sessions.TTLSeconds = 60
	cfg.Jobs.DeadlineSeconds = 30
	cfg.Credits.ReservationTTLSeconds = 120
	if cfg.SessionTTL() != time.Minute || cfg.JobDeadline() != 30*time.Second || cfg.ReservationTTL() != 2*time.Minute {
		t.Error("configured durations not honoured")
	}
}

func TestClassConfigsSplitsCommand(t *testing.T) {
	cfg := &Config{}
	cfg.Workers.CPU = WorkerClassConfig{
		Command:     "python -m cantoria_worker --device cpu",
		Concurrency: 2,
	}
	cfg.Workers.GPU = WorkerClassConfig{
		Command: "worker-gpu",
		Env:     map[string]string{"CUDA_VISIBLE_DEVICES": "0"},
	}

	classes := cfg.ClassConfigs()

	cpu := classes[worker.ClassCPU]
	if cpu.Command != "python" {
		t.Errorf("cpu command = %q", cpu.Command)
	}
	if len(cpu.Args) != 4 || cpu.Args[0] != "-m" {
		t.Errorf("cpu args = %v", cpu.Args)
	}
	if cpu.Concurrency != 2 {
		t.Errorf("cpu concurrency = %d", cpu.Concurrency)
	}

	gpu := classes[worker.ClassGPU]
	if gpu.Command != "worker-gpu" || len(gpu.Args) != 0 {
		t.Errorf("gpu command = %q args = %v", gpu.Command, gpu.Args)
	}
	if gpu.Env["CUDA_VISIBLE_DEVICES"] != "0" {
		t.Error("gpu env not carried through")
	}
}

func TestLogLevelIsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestObjectBackendIsValid(t *testing.T) {
	if !ObjectBackendFS.IsValid() || !ObjectBackendS3.IsValid() {
		t.Error("fs and s3 should be valid")
	}
	if ObjectBackend("gcs").IsValid() {
		t.Error("gcs should be invalid")
	}
}
