package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/tcehq/ssodiag/pkg/types"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestRealMainUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := realMain(context.Background(), nil, &stdout, &stderr); code != exitError {
		t.Errorf("exit code = %d, want %d for missing command", code, exitError)
	}
	if !strings.Contains(stderr.String(), "Usage:") {
		t.Error("expected usage on stderr")
	}

	stdout.Reset()
	stderr.Reset()
	if code := realMain(context.Background(), []string{"help"}, &stdout, &stderr); code != exitOK {
		t.Errorf("exit code = %d, want %d for help", code, exitOK)
	}
	if !strings.Contains(stdout.String(), "ssodiag run") {
		t.Error("expected usage on stdout")
	}
}

func TestRealMainUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := realMain(context.Background(), []string{"bogus"}, &stdout, &stderr); code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestLogsCommandOutsideAllowlist(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"logs", "-dir", "/etc", "-config", filepath.Join(t.TempDir(), "missing.yaml")}
	code := realMain(context.Background(), args, &stdout, &stderr)
	if code != exitOK {
		t.Errorf("exit code = %d, want %d; stderr: %s", code, exitOK, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Logs - Failure Signatures") {
		t.Errorf("stdout = %q, want the log finding rendered", stdout.String())
	}
}

func TestLogsCommandJSONOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "report.json")

	var stdout, stderr bytes.Buffer
	args := []string{
		"logs", "-dir", t.TempDir(), "-format", "json", "-output", outPath,
		"-config", filepath.Join(t.TempDir(), "missing.yaml"),
	}
	code := realMain(context.Background(), args, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit code = %d; stderr: %s", code, stderr.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	var results []types.CheckResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

func TestResolveToken(t *testing.T) {
	if got, err := resolveToken("direct", ""); err != nil || got != "direct" {
		t.Errorf("resolveToken direct = %q, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(path, []byte("  from-file \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, err := resolveToken("", path); err != nil || got != "from-file" {
		t.Errorf("resolveToken file = %q, %v", got, err)
	}

	if _, err := resolveToken("", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected an error for a missing token file")
	}

	if got, err := resolveToken("", ""); err != nil || got != "" {
		t.Errorf("resolveToken empty = %q, %v", got, err)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		severity types.Severity
		want     int
	}{
		{types.SeveritySuccess, exitOK},
		{types.SeverityInfo, exitOK},
		{types.SeverityWarning, exitOK},
		{types.SeverityError, exitError},
		{types.SeverityCritical, exitCritical},
	}
	for _, tc := range cases {
		if got := exitCode(tc.severity); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.severity, got, tc.want)
		}
	}
}

func TestRenderReport(t *testing.T) {
	report := types.DiagnosticReport{
		ReportID:      "report-1",
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OverallStatus: types.SeverityWarning,
		Groups: map[types.Category][]types.CheckResult{
			types.CategoryConnectivity: {{
				Category:       types.CategoryConnectivity,
				Name:           "Network - TCP Connect",
				Severity:       types.SeverityWarning,
				Message:        "slow connect",
				Recommendation: "check the network path",
			}},
		},
	}

	var buf bytes.Buffer
	renderReport(&buf, report)
	out := buf.String()
	for _, want := range []string{"report-1", "CONNECTIVITY", "Network - TCP Connect", "recommendation: check the network path", "Overall: WARNING"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered report missing %q:\n%s", want, out)
		}
	}
}
