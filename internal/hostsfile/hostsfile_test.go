package hostsfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/chrome-server/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFile_TargetsAndComments(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "hosts")
	writeFile(t, path, `
# staging overrides
10.0.0.5          api.example.test  api.example.test:8443
127.0.0.1:8080    static.example.test   # inline
socks5://10.0.0.9:1080 tunnel.example.test
`)
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	rules := res.Rules()
	if len(rules) != 4 {
		t.Fatalf("expected 4 rules, got %d: %+v", len(rules), rules)
	}
	if got := rules["api.example.test:8443"]; got.Host != "10.0.0.5" || got.Port != 0 {
		t.Fatalf("api rule = %+v", got)
	}
	if got := rules["static.example.test"]; got.Host != "127.0.0.1" || got.Port != 8080 {
		t.Fatalf("static rule = %+v", got)
	}
	if got := rules["tunnel.example.test"]; got.Protocol != "socks5" {
		t.Fatalf("tunnel rule = %+v", got)
	}
}

func TestParseFile_IncludeAndWarnings(t *testing.T) {
	d := t.TempDir()
	if err := os.MkdirAll(filepath.Join(d, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(d, "conf.d", "a.hosts"), "10.1.1.1 db.example.test\n")
	root := filepath.Join(d, "hosts")
	writeFile(t, root, "include conf.d/*.hosts\nBadLine\nftp://10.0.0.1 x.test\n10.2.2.2 db.example.test\ninclude missing/*.hosts\ninclude hosts\n")

	res, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Rules()["db.example.test"]; got.Host != "10.2.2.2" {
		t.Fatalf("last mapping must win, got %+v", got)
	}
	joined := strings.Join(res.Warnings, "\n")
	for _, want := range []string{"target without hosts", "bad target", "overrides", "include matched nothing", "include cycle skipped"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing warning %q in:\n%s", want, joined)
		}
	}
}

func TestParseFile_MissingRoot(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing root file")
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	rules := map[string]model.Address{
		"a.test":      {Protocol: "http", Host: "10.0.0.1"},
		"b.test:8443": {Protocol: "http", Host: "10.0.0.1"},
		"c.test":      {Protocol: "socks5", Host: "10.0.0.2", Port: 1080},
	}
	path := filepath.Join(t.TempDir(), "hosts")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Write(f, rules, "exported"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	b, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(b), "# exported\n10.0.0.1") {
		t.Fatalf("unexpected output:\n%s", b)
	}
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := res.Rules()
	if len(got) != len(rules) {
		t.Fatalf("round trip lost rules: %+v", got)
	}
	for k, v := range rules {
		if got[k] != v {
			t.Fatalf("rule %s = %+v, want %+v", k, got[k], v)
		}
	}
}
