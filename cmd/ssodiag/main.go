package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tcehq/ssodiag/internal/config"
	"github.com/tcehq/ssodiag/internal/diag"
	"github.com/tcehq/ssodiag/internal/logging"
	"github.com/tcehq/ssodiag/pkg/types"
)

const (
	exitOK       = 0
	exitError    = 1
	exitCritical = 2
)

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

func main() {
	os.Exit(realMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}

	cmd := args[0]
	rest := args[1:]

	var (
		code int
		err  error
	)
	switch cmd {
	case "run":
		code, err = runFull(ctx, rest, stdout)
	case "health":
		code, err = runHealth(ctx, rest, stdout)
	case "token":
		code, err = runToken(ctx, rest, stdout)
	case "session":
		code, err = runSession(ctx, rest, stdout)
	case "bench":
		code, err = runBench(ctx, rest, stdout)
	case "logs":
		code, err = runLogs(ctx, rest, stdout)
	case "-h", "--help", "help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return exitError
	}

	if err != nil {
		fmt.Fprintf(stderr, "command %s failed: %v\n", cmd, err)
		return exitError
	}
	return code
}

type commonFlags struct {
	configPath string
	format     string
	outputPath string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", config.DefaultConfigPath, "Path to configuration file")
	fs.StringVar(&cf.format, "format", "text", "Output format: text or json")
	fs.StringVar(&cf.outputPath, "output", "", "Write the report to a file instead of stdout")
	return cf
}

func newRunner(ctx context.Context, configPath string) (*diag.Runner, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return diag.NewRunner(cfg, diag.Dependencies{Logger: logging.New()})
}

func runFull(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	token := fs.String("token", "", "LTPA token value to validate")
	tokenFile := fs.String("token-file", "", "File containing the LTPA token")
	sessionRequests := fs.Int("session-requests", 0, "Number of session stability requests")
	benchCount := fs.Int("bench-count", 0, "Number of benchmark requests")
	includeLogs := fs.Bool("include-logs", false, "Scan server logs for failure signatures")
	var logDirs multiValue
	fs.Var(&logDirs, "log-dir", "Log directory to scan (repeatable)")
	maxLogMatches := fs.Int("max-log-matches", 0, "Stop scanning after this many matches")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	tokenValue, err := resolveToken(*token, *tokenFile)
	if err != nil {
		return exitError, err
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	report := runner.RunAll(ctx, diag.RunOptions{
		Token:           tokenValue,
		SessionRequests: *sessionRequests,
		BenchmarkCount:  *benchCount,
		IncludeLogs:     *includeLogs,
		LogDirs:         logDirs,
		MaxLogMatches:   *maxLogMatches,
	})

	if err := emit(cf, stdout, report, func(w io.Writer) {
		renderReport(w, report)
	}); err != nil {
		return exitError, err
	}
	return exitCode(report.OverallStatus), nil
}

func runHealth(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	_, results := runner.Health(ctx)
	return emitResults(cf, stdout, results)
}

func runToken(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	token := fs.String("token", "", "LTPA token value to validate")
	tokenFile := fs.String("token-file", "", "File containing the LTPA token")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	tokenValue, err := resolveToken(*token, *tokenFile)
	if err != nil {
		return exitError, err
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	return emitResults(cf, stdout, runner.TokenChecks(ctx, tokenValue))
}

func runSession(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	token := fs.String("token", "", "LTPA token value for authenticated requests")
	tokenFile := fs.String("token-file", "", "File containing the LTPA token")
	requests := fs.Int("requests", 0, "Number of sequential requests")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	tokenValue, err := resolveToken(*token, *tokenFile)
	if err != nil {
		return exitError, err
	}
	if tokenValue == "" {
		return exitError, fmt.Errorf("session probing requires -token or -token-file")
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	results := runner.SessionChecks(ctx, diag.RunOptions{Token: tokenValue, SessionRequests: *requests})
	return emitResults(cf, stdout, results)
}

func runBench(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	count := fs.Int("count", 0, "Number of benchmark requests")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	return emitResults(cf, stdout, runner.PerformanceChecks(ctx, *count))
}

func runLogs(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	var dirs multiValue
	fs.Var(&dirs, "dir", "Log directory to scan (repeatable)")
	maxMatches := fs.Int("max-matches", 0, "Stop scanning after this many matches")
	if err := fs.Parse(args); err != nil {
		return exitError, err
	}

	runner, err := newRunner(ctx, cf.configPath)
	if err != nil {
		return exitError, err
	}

	results := runner.LogChecks(ctx, diag.RunOptions{LogDirs: dirs, MaxLogMatches: *maxMatches})
	return emitResults(cf, stdout, results)
}

func resolveToken(token, tokenFile string) (string, error) {
	if token != "" {
		return token, nil
	}
	if tokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func emitResults(cf *commonFlags, stdout io.Writer, results []types.CheckResult) (int, error) {
	if err := emit(cf, stdout, results, func(w io.Writer) {
		renderResults(w, results)
	}); err != nil {
		return exitError, err
	}
	return exitCode(types.MaxSeverity(results)), nil
}

func emit(cf *commonFlags, stdout io.Writer, payload any, renderText func(io.Writer)) error {
	out := stdout
	if cf.outputPath != "" {
		f, err := os.Create(cf.outputPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch cf.format {
	case "json":
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	case "text":
		renderText(out)
		return nil
	default:
		return fmt.Errorf("unknown format %q", cf.format)
	}
}

func renderReport(w io.Writer, report types.DiagnosticReport) {
	fmt.Fprintf(w, "Diagnostic report %s generated at %s\n", report.ReportID, report.Timestamp.Format(time.RFC3339))
	for _, category := range types.CategoryOrder {
		results := report.Groups[category]
		if len(results) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", strings.ToUpper(string(category)))
		for _, result := range results {
			renderResult(w, result)
		}
	}
	fmt.Fprintf(w, "\nOverall: %s\n", severityLabel(report.OverallStatus))
}

func renderResults(w io.Writer, results []types.CheckResult) {
	for _, result := range results {
		renderResult(w, result)
	}
	fmt.Fprintf(w, "\nOverall: %s\n", severityLabel(types.MaxSeverity(results)))
}

func renderResult(w io.Writer, result types.CheckResult) {
	fmt.Fprintf(w, "  %s %s: %s\n", severityMarker(result.Severity), result.Name, result.Message)
	if result.Recommendation != "" {
		fmt.Fprintf(w, "      recommendation: %s\n", result.Recommendation)
	}
}

func severityMarker(s types.Severity) string {
	switch s {
	case types.SeveritySuccess:
		return color.GreenString("✓")
	case types.SeverityInfo:
		return color.CyanString("ℹ")
	case types.SeverityWarning:
		return color.YellowString("⚠")
	case types.SeverityError:
		return color.RedString("✗")
	default:
		return color.New(color.FgRed, color.Bold).Sprint("✗")
	}
}

func severityLabel(s types.Severity) string {
	label := strings.ToUpper(s.String())
	switch s {
	case types.SeveritySuccess:
		return color.GreenString(label)
	case types.SeverityInfo:
		return color.CyanString(label)
	case types.SeverityWarning:
		return color.YellowString(label)
	default:
		return color.RedString(label)
	}
}

func exitCode(s types.Severity) int {
	switch {
	case s >= types.SeverityCritical:
		return exitCritical
	case s >= types.SeverityError:
		return exitError
	default:
		return exitOK
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "SSO Diagnostics CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ssodiag run [--config /etc/ssodiag/config.yaml] [--token TOKEN|--token-file path] [--include-logs] [--format text|json] [--output file]")
	fmt.Fprintln(w, "  ssodiag health [--config path] [--format text|json]")
	fmt.Fprintln(w, "  ssodiag token --token TOKEN|--token-file path [--config path]")
	fmt.Fprintln(w, "  ssodiag session --token TOKEN [--requests n] [--config path]")
	fmt.Fprintln(w, "  ssodiag bench [--count n] [--config path]")
	fmt.Fprintln(w, "  ssodiag logs [--dir path ...] [--max-matches n] [--config path]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit codes: 0 on success or warnings, 1 on errors, 2 on critical findings.")
}
