package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/chrome-server/internal/appconfig"
)

func TestRunLocalAudit_FindsExposure(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := appconfig.Default()
	cfg.Security.BindPolicy = appconfig.BindPolicyAllowPublic
	cfg.Proxy.Host = "0.0.0.0"
	cfg.Chrome.Flags = []string{"--remote-debugging-address=0.0.0.0", "--mute-audio"}
	if err := appconfig.Save(cfg); err != nil {
		t.Fatal(err)
	}

	report, err := RunLocalAudit()
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHigh() {
		t.Fatalf("expected high severity findings, got %+v", report.Findings)
	}
	targets := map[string]bool{}
	for _, f := range report.Findings {
		targets[f.Target] = true
	}
	for _, want := range []string{"config.yaml", "proxy.host", "chrome.flags"} {
		if !targets[want] {
			t.Fatalf("missing finding for %s: %+v", want, report.Findings)
		}
	}
	if report.Findings[0].Severity != SeverityHigh {
		t.Fatalf("findings not sorted by severity: %+v", report.Findings)
	}
}

func TestRunLocalAudit_DefaultsAreClean(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	report, err := RunLocalAudit()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings for defaults, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	dir := filepath.Join(xdg, "chrome-server")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profiles.yaml"), []byte("profiles: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := RunLocalAudit()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) < 2 {
		t.Fatalf("expected directory and file permission findings, got %+v", report.Findings)
	}
}
