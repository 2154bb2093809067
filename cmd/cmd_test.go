package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/platform/github"
	"github.com/spiffcs/stalebot/internal/scan"
)

func TestNew(t *testing.T) {
	cmd := New()
	if cmd == nil {
		t.Fatal("New() returned nil")
	}
	if cmd.Use != "stalebot" {
		t.Errorf("expected Use to be 'stalebot', got %q", cmd.Use)
	}

	want := []string{"run", "config", "history", "stats", "serve", "ratelimit", "version"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub == cmd {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}

	for _, flag := range []string{"dry-run", "archive", "comments", "output", "tui"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("expected root flag --%s", flag)
		}
	}
	for _, flag := range []string{"config", "verbose", "log-format"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag --%s", flag)
		}
	}
}

func TestNewCmdConfig(t *testing.T) {
	cmd := NewCmdConfig(NewOptions())
	if cmd.Use != "config" {
		t.Errorf("expected Use to be 'config', got %q", cmd.Use)
	}
	got := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		got[sub.Name()] = true
	}
	for _, name := range []string{"init", "path", "defaults", "show", "validate"} {
		if !got[name] {
			t.Errorf("missing config subcommand %q", name)
		}
	}
	if got["set"] {
		t.Error("config set should not be registered")
	}
}

func TestNewCmdHistory(t *testing.T) {
	cmd := NewCmdHistory(NewOptions())
	for _, name := range []string{"notifications", "comments", "archives"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub == cmd {
			t.Fatalf("missing history subcommand %q", name)
		}
		if sub.Flags().Lookup("since") == nil {
			t.Errorf("%s: expected --since flag", name)
		}
	}
}

func TestNewCmdVersion(t *testing.T) {
	cmd := NewCmdVersion()
	if cmd.Use != "version" {
		t.Errorf("expected Use to be 'version', got %q", cmd.Use)
	}
}

func TestNewOptions(t *testing.T) {
	opts := NewOptions(WithFormat("json"), WithDryRun(true))
	if opts.Format != "json" {
		t.Errorf("expected Format to be 'json', got %q", opts.Format)
	}
	if !opts.DryRun {
		t.Error("expected DryRun to be set")
	}
	if opts.Limit != 10 {
		t.Errorf("expected default Limit 10, got %d", opts.Limit)
	}
}

func TestTUIFlag(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"true", "true", false},
		{"1", "true", false},
		{"no", "false", false},
		{"false", "false", false},
		{"OFF", "false", false},
		{"auto", "auto", false},
		{"maybe", "auto", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f := newTUIFlag(NewOptions())
			err := f.Set(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if f.String() != tt.want {
				t.Errorf("String() = %q, want %q", f.String(), tt.want)
			}
		})
	}
}

func TestTUIFlagBare(t *testing.T) {
	for args, want := range map[string]string{"--tui": "true", "--tui=false": "false", "": "auto"} {
		t.Run(args, func(t *testing.T) {
			cmd := &cobra.Command{Use: "run"}
			opts := NewOptions()
			addTUIFlag(cmd, opts)
			if err := cmd.ParseFlags(strings.Fields(args)); err != nil {
				t.Fatalf("ParseFlags(%q) error = %v", args, err)
			}
			if got := newTUIFlag(opts).String(); got != want {
				t.Errorf("after %q TUI = %s, want %s", args, got, want)
			}
		})
	}
}

func TestShouldUseTUI(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name string
		opts Options
		want bool
	}{
		{"verbose disables", Options{Verbosity: 1, TUI: &on}, false},
		{"explicit on", Options{TUI: &on}, true},
		{"explicit on beats json", Options{TUI: &on, Format: "json"}, true},
		{"explicit off", Options{TUI: &off}, false},
		{"json disables auto", Options{Format: "json"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldUseTUI(&tt.opts); got != tt.want {
				t.Errorf("shouldUseTUI() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogProgress(t *testing.T) {
	var buf bytes.Buffer
	log.Initialize(log.LevelInfo, &buf)
	t.Cleanup(func() { log.Initialize(0, os.Stderr) })

	progress := logProgress()
	progress(scan.StageScan, 0, 0)
	for i := 1; i <= 100; i++ {
		progress(scan.StageScan, i, 100)
	}

	out := buf.String()
	if !strings.Contains(out, "Scanning projects: 100/100 (100%)... done") {
		t.Errorf("expected final progress line, got %q", out)
	}
	if strings.Contains(out, "Scanning projects: 3/100") {
		t.Errorf("expected progress to be throttled, got %q", out)
	}
}

func TestRunConfigInit(t *testing.T) {
	t.Chdir(t.TempDir())

	if err := runConfigInit(strings.NewReader(""), &bytes.Buffer{}, true, true); err == nil {
		t.Error("expected error for --global with --local")
	}
	if err := runConfigInit(strings.NewReader("9\n"), &bytes.Buffer{}, false, false); err == nil {
		t.Error("expected error for invalid choice")
	}

	var out bytes.Buffer
	if err := runConfigInit(strings.NewReader("2\n"), &out, false, false); err != nil {
		t.Fatalf("runConfigInit() error = %v", err)
	}
	if _, err := os.Stat(".stalebot.yaml"); err != nil {
		t.Fatalf("expected local config to be created: %v", err)
	}
	if !strings.Contains(out.String(), "Created local config file") {
		t.Errorf("unexpected output %q", out.String())
	}

	if err := runConfigInit(strings.NewReader(""), &bytes.Buffer{}, false, true); err == nil {
		t.Error("expected error when config already exists")
	}
}

func TestRunConfigValidate(t *testing.T) {
	for _, env := range []string{"STALEBOT_GITLAB_TOKEN", "GITLAB_TOKEN", "GITHUB_TOKEN"} {
		t.Setenv(env, "")
	}
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("platform: gitlab\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := runConfigValidate(&out, NewOptions(WithConfigPath(bad)))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out.String(), "error: gitlab.url is required") {
		t.Errorf("expected gitlab.url problem, got %q", out.String())
	}
	if !strings.Contains(out.String(), "error: projects must list at least one project") {
		t.Errorf("expected projects problem, got %q", out.String())
	}

	good := filepath.Join(dir, "good.yaml")
	body := `platform: gitlab
gitlab:
  url: https://gitlab.example.com
  private_token: secret
smtp:
  host: smtp.example.com
  from_email: bot@example.com
projects: [42]
fallback_email: ops@example.com
`
	if err := os.WriteFile(good, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := runConfigValidate(&out, NewOptions(WithConfigPath(good))); err != nil {
		t.Fatalf("runConfigValidate() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Configuration OK: gitlab, 1 project(s)") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestPrintConfigRejectsFormat(t *testing.T) {
	if err := runConfigShow(&bytes.Buffer{}, NewOptions(WithConfigPath(filepath.Join(t.TempDir(), "none.yaml"))), "toml"); err == nil {
		t.Error("expected error")
	}
}

func TestPrintQuotas(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	quotas := []github.Quota{
		{Name: "core", Remaining: 4990, Limit: 5000, ResetAt: now.Add(90 * time.Second)},
		{Name: "search", Remaining: 30, Limit: 30, ResetAt: now.Add(-time.Minute)},
	}

	var buf bytes.Buffer
	printQuotas(&buf, quotas, now)

	out := buf.String()
	if !strings.Contains(out, "core:       4990/5000 remaining (resets in 1m30s)") {
		t.Errorf("unexpected core line in %q", out)
	}
	if !strings.Contains(out, "search:     30/30 remaining (resets in 0s)") {
		t.Errorf("unexpected search line in %q", out)
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	out := buf.String()
	if !strings.HasPrefix(out, "stalebot ") {
		t.Errorf("unexpected version output %q", out)
	}
	if !strings.Contains(out, "go:     go") {
		t.Errorf("expected go version line in %q", out)
	}
}

func TestInitLogging(t *testing.T) {
	t.Cleanup(func() { log.Initialize(0, os.Stderr) })

	if err := initLogging(NewOptions(WithLogFormat("xml")), &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown log format")
	}

	var buf bytes.Buffer
	if err := initLogging(NewOptions(WithLogFormat("json")), &buf, "run", "r-1"); err != nil {
		t.Fatalf("initLogging() error = %v", err)
	}
	log.Warn("project failed")
	if !strings.Contains(buf.String(), `"run":"r-1"`) {
		t.Errorf("expected run attribute in %q", buf.String())
	}
}

func TestRunConfigShowRedactsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	body := "gitlab:\n  url: https://gitlab.example.com\n  private_token: s3cret\nprojects: [7]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runConfigShow(&out, NewOptions(WithConfigPath(path)), "json"); err != nil {
		t.Fatalf("runConfigShow() error = %v", err)
	}
	if strings.Contains(out.String(), "s3cret") {
		t.Errorf("token leaked: %s", out.String())
	}
	for _, want := range []string{`"private_token": "[redacted]"`, `"id": "7"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %s in %s", want, out.String())
		}
	}
}
