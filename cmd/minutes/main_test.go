package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "minutes dev") {
		t.Errorf("unexpected version output: %q", out.String())
	}
}

func TestDoctorCommand_ReportsMissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FFMPEG_PATH", "definitely-not-ffmpeg")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"doctor"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	for _, want := range []string{"✗ ffmpeg", "✗ Database: not set", "- NATS events: disabled", "Some prerequisites are missing."} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestServeCommand_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "0")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "pipeline_workers") {
		t.Errorf("expected config validation error, got %v", err)
	}
}
