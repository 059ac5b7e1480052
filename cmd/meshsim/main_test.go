package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSimulateFieldPrintsTranscriptAndSummary(t *testing.T) {
	var out bytes.Buffer
	err := simulate(context.Background(), options{nodes: 3, duration: 4 * time.Minute, loss: -1, logLevel: "error"}, &out)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"simulating 3 nodes for 4m0s",
		"3 nodes powered on",
		"role RELAY assigned by node-1",
		"converged on coordinator node-1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestSimulateQuietScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	script := `
duration: 3m
nodes:
  - id: 2
    capabilities: {battery_level: 80, can_coordinate: true}
  - id: 7
    capabilities: {battery_level: 80, can_coordinate: true}
events:
  - {at: 150s, kind: submit, node: 7, size: 450}
`
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}

	var out bytes.Buffer
	if err := simulate(context.Background(), options{scriptPath: path, quiet: true, loss: -1, logLevel: "error"}, &out); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "powered on") {
		t.Fatalf("quiet run printed a transcript:\n%s", text)
	}
	if !strings.Contains(text, "1 payloads (450 B)") {
		t.Fatalf("summary missing delivered payload:\n%s", text)
	}
}

func TestBuildScriptRejectsMissingFile(t *testing.T) {
	if _, err := buildScript(options{scriptPath: filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Fatal("expected error for missing script")
	}
}
