package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/events"
	"github.com/treykane/chrome-server/internal/history"
	"github.com/treykane/chrome-server/internal/instance"
	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/supervisor"
)

func TestProfileSaveListShowDeleteLifecycle(t *testing.T) {
	setupCLIEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profile", "save", "staging", "--headless", "--port", "9333", "--host", "api.test=10.0.0.5", "--flag", "--lang=en"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	def, err := profile.Get("staging")
	if err != nil {
		t.Fatal(err)
	}
	if !def.Headless || def.Port != 9333 || def.Hosts["api.test"] != "10.0.0.5" || len(def.Flags) != 1 {
		t.Fatalf("unexpected saved profile: %+v", def)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profile", "list"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	if !strings.Contains(out, "staging") || !strings.Contains(out, "headless") || !strings.Contains(out, "overrides") {
		t.Fatalf("expected profile in list output, got: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profile", "show", "staging"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("show profile: %v", err)
	}
	if !strings.Contains(out, "port: 9333") {
		t.Fatalf("expected yaml output, got: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profile", "delete", "staging"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	if _, err := profile.Get("staging"); err == nil {
		t.Fatal("profile still present after delete")
	}
}

func TestProfileSaveRejectsBadHostPair(t *testing.T) {
	setupCLIEnv(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profile", "save", "broken", "--host", "api.test"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err == nil {
		t.Fatal("expected error for host pair without target")
	}
}

func TestProfileListRecentOrdering(t *testing.T) {
	setupCLIEnv(t)
	for _, name := range []string{"api", "db"} {
		if err := profile.Save(profile.Definition{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	if err := history.Touch("db"); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profile", "list", "--recent"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.HasPrefix(lines[1], "db") {
		t.Fatalf("expected db first after header, got: %s", lines[1])
	}
}

func TestRoutesCheckAndExport(t *testing.T) {
	setupCLIEnv(t)
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte("10.0.0.5 api.test cdn.test:443\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"routes", "check", path, "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("routes check: %v", err)
	}
	var payload struct {
		Entries []struct {
			Key string `json:"key"`
		} `json:"entries"`
		Warnings []string `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid json: %v; output=%s", err, out)
	}
	if len(payload.Entries) != 2 || len(payload.Warnings) != 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"routes", "export", path})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("routes export: %v", err)
	}
	table, err := routing.FromDocument([]byte(out), nil)
	if err != nil {
		t.Fatalf("exported document does not parse: %v; output=%s", err, out)
	}
	if d := table.Resolve("cdn.test", 443); d.Target.Host != "10.0.0.5" || d.Target.Port != 443 {
		t.Fatalf("unexpected decision: %+v", d)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"routes", "export", path, "--format", "hosts"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("routes export hosts: %v", err)
	}
	if !strings.Contains(out, "10.0.0.5  api.test cdn.test:443") {
		t.Fatalf("unexpected hosts output: %s", out)
	}
}

func TestEventsJSONOutput(t *testing.T) {
	setupCLIEnv(t)
	store := events.NewStore()
	for _, e := range []events.Event{
		{InstanceID: "a", EventType: events.Launched, PID: 10},
		{InstanceID: "b", EventType: events.Launched, PID: 11},
		{InstanceID: "a", EventType: events.Killed, PID: 10},
	} {
		e.Timestamp = time.Now().UTC()
		if err := store.Append(e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"events", "--instance", "a", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("events json: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 2 {
		t.Fatalf("expected 2 events, got %d", len(payload))
	}
	if payload[1]["event_type"] != events.Killed {
		t.Fatalf("unexpected event: %v", payload[1]["event_type"])
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupCLIEnv(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"doctor", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v", err)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
}

func TestLaunchRefusesPublicBindUnderLoopbackPolicy(t *testing.T) {
	setupCLIEnv(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"launch", "--bind", "0.0.0.0"})
	_, err := captureStdout(func() error { return cmd.Execute() })
	if err == nil || !strings.Contains(err.Error(), "bind_policy") {
		t.Fatalf("expected bind policy error, got %v", err)
	}
}

func TestBindPolicy(t *testing.T) {
	cfg := appconfig.Default()
	check := bindPolicy(cfg)
	if err := check(launchOpts("")); err != nil {
		t.Fatalf("empty bind: %v", err)
	}
	if err := check(launchOpts("localhost")); err != nil {
		t.Fatalf("localhost: %v", err)
	}
	if err := check(launchOpts("10.0.0.4")); err == nil {
		t.Fatal("expected public bind to be refused")
	}
	cfg.Security.BindPolicy = appconfig.BindPolicyAllowPublic
	if err := bindPolicy(cfg)(launchOpts("10.0.0.4")); err != nil {
		t.Fatalf("allow-public: %v", err)
	}
}

func TestEvalRequiresExpressionOrScreenshot(t *testing.T) {
	setupCLIEnv(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"eval", "http://example.test"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err == nil {
		t.Fatal("expected error without expression")
	}
}

func TestVersionWithoutBrowser(t *testing.T) {
	setupCLIEnv(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"version", "--browser=false"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "chrome-server "+Version {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRunConsole(t *testing.T) {
	table := routing.New(nil, nil)
	in := strings.NewReader("add api.test 10.0.0.5 8080\nadd broken\nbogus\nprint\nquit\nadd late.test 10.0.0.6\n")
	var out bytes.Buffer
	if err := runConsole(in, &out, table); err != nil {
		t.Fatal(err)
	}
	if d := table.Resolve("api.test", 80); d.Target.Host != "10.0.0.5" || d.Target.Port != 8080 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if table.Len() != 1 {
		t.Fatalf("commands after quit were applied: %v", table.Rules())
	}
	got := out.String()
	for _, want := range []string{"proxy> ", "usage: add", `unknown command "bogus"`, `"api.test":"10.0.0.5:8080"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("console output missing %q:\n%s", want, got)
		}
	}
}

func TestDefinitionFlagsOverrideProfile(t *testing.T) {
	setupCLIEnv(t)
	if err := profile.Save(profile.Definition{Name: "base", Bind: "127.0.0.1", Port: 9222, Flags: []string{"--lang=en"}}); err != nil {
		t.Fatal(err)
	}
	var df definitionFlags
	fs := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	df.register(fs, true)
	if err := fs.Parse([]string{"--profile", "base", "--port", "9400", "--flag", "--mute-audio"}); err != nil {
		t.Fatal(err)
	}
	def, err := df.definition(fs, appconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	if def.Port != 9400 || def.Bind != "127.0.0.1" {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if len(def.Flags) != 2 || def.Flags[1] != "--mute-audio" {
		t.Fatalf("flags: %v", def.Flags)
	}
}

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	b, readErr := io.ReadAll(r)
	if readErr != nil {
		return "", readErr
	}
	return string(b), runErr
}

func setupCLIEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CHROME_PATH", os.Args[0])
	for _, k := range []string{"PROXY_DEFAULT", "PROXY_DEBUG", "PROXY_CHROME", "CHROME_PORT", "PROXY_HOST", "PROXY_PORT"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func launchOpts(bind string) instance.LaunchOptions {
	return instance.LaunchOptions{Bind: bind}
}

func TestEventsSummary(t *testing.T) {
	setupCLIEnv(t)
	store := events.NewStore()
	for _, e := range []events.Event{
		{InstanceID: "inst-1", EventType: events.LaunchRequested},
		{InstanceID: "inst-1", EventType: events.Launched, PID: 77, Chain: "none"},
	} {
		if err := store.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"events", "--summary"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "inst-1") || !strings.Contains(lines[1], "running") {
		t.Fatalf("unexpected summary: %s", out)
	}
}

func TestProxyServeDefaultsToEphemeralLoopback(t *testing.T) {
	setupCLIEnv(t)
	t.Setenv("PROXY_PORT", "18080")
	serve, _, err := NewRootCommand().Find([]string{"proxy", "serve"})
	if err != nil {
		t.Fatal(err)
	}
	f := serve.Flags().Lookup("listen")
	if f == nil || f.DefValue != supervisor.DefaultListen {
		t.Fatalf("unexpected --listen default %+v", f)
	}
	if !slices.Contains(supervisor.DefaultArgs, supervisor.DefaultListen) {
		t.Fatalf("spawned children are not told where to listen: %v", supervisor.DefaultArgs)
	}
}

func TestChildSessionLogsToStderrOnly(t *testing.T) {
	setupCLIEnv(t)
	cfg := appconfig.Default()
	cfg.Log.File = "chrome-server.log"
	if err := appconfig.Save(cfg); err != nil {
		t.Fatal(err)
	}
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	s, err := openChildSession(false)
	if err != nil {
		t.Fatal(err)
	}
	s.log.Info("child started")
	s.Close()
	if s.cfg.Log.File != "" {
		t.Fatalf("child kept log.file %q", s.cfg.Log.File)
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "chrome-server.log")); !os.IsNotExist(err) {
		t.Fatalf("child opened the shared log file: %v", err)
	}
}

func TestEventsProblemsFilter(t *testing.T) {
	setupCLIEnv(t)
	store := events.NewStore()
	for _, e := range []events.Event{
		{InstanceID: "ok", EventType: events.Launched, PID: 5},
		{InstanceID: "bad", EventType: events.LaunchFailed, Message: "browser not found"},
	} {
		if err := store.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"events", "--problems", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatal(err)
	}
	var payload []events.Event
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 || payload[0].InstanceID != "bad" {
		t.Fatalf("unexpected problems %+v", payload)
	}
}
