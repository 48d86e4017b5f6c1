package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/chrome-server/internal/model"
)

func TestSaveListGetDelete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Save(Definition{
		Name:     "staging",
		Headless: true,
		Bind:     "0.0.0.0",
		Hosts:    map[string]string{"api.example.test": "10.0.0.5"},
		Upstream: "socks5://127.0.0.1:1080",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(Definition{Name: "plain"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || all[0].Name != "plain" || all[1].Name != "staging" {
		t.Fatalf("unexpected profiles: %+v", all)
	}

	got, err := Get("staging")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	chain, err := got.Chain()
	if err != nil {
		t.Fatal(err)
	}
	if chain.Kind != model.ChainHostOverrides || chain.Upstream == nil || chain.Upstream.Protocol != "socks5" {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	if flags := got.LaunchFlags(); len(flags) != 1 || flags[0] != "--headless" {
		t.Fatalf("flags = %v", flags)
	}

	if err := Delete("staging"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Get("staging"); err == nil {
		t.Fatal("expected deleted profile to be gone")
	}
	if err := Delete("staging"); err == nil {
		t.Fatal("expected error deleting a missing profile")
	}
}

func TestSaveValidatesInput(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Save(Definition{Name: " "}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := Save(Definition{Name: "x", Port: 70000}); err == nil {
		t.Fatal("expected error for bad port")
	}
	if err := Save(Definition{Name: "x", Hosts: map[string]string{"a.test": "ftp://h"}}); err == nil {
		t.Fatal("expected error for unsupported target scheme")
	}
	if err := Save(Definition{Name: "x", Upstream: "http://:0"}); err == nil {
		t.Fatal("expected error for bad upstream")
	}
}

func TestBuildChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte("10.0.0.1 a.test b.test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	chain, err := BuildChain(map[string]string{"b.test": "10.0.0.2"}, path, "")
	if err != nil {
		t.Fatal(err)
	}
	if chain.Kind != model.ChainHostOverrides || chain.Rules["a.test"].Host != "10.0.0.1" || chain.Rules["b.test"].Host != "10.0.0.2" {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	chain, err = BuildChain(nil, "", "127.0.0.1:3128")
	if err != nil || chain.Kind != model.ChainExplicitUpstream {
		t.Fatalf("chain = %+v, %v", chain, err)
	}

	chain, err = BuildChain(nil, "", "")
	if err != nil || chain.Enabled() {
		t.Fatalf("chain = %+v, %v", chain, err)
	}
}

func TestLaunchOptions(t *testing.T) {
	def := Definition{
		Name:             "x",
		Headless:         true,
		Bind:             "0.0.0.0",
		Port:             9222,
		Upstream:         "socks5://127.0.0.1:1080",
		PACURL:           "http://pac.test/proxy.pac",
		IgnoreCertErrors: true,
	}
	opts, err := def.LaunchOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Bind != "0.0.0.0" || opts.Port != 9222 || opts.Chain.Kind != model.ChainExplicitUpstream {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if len(opts.Flags) != 1 || opts.Flags[0] != "--headless" || !opts.IgnoreCertErrors || opts.PACURL == "" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := (Definition{Upstream: "ftp://x"}).LaunchOptions(); err == nil {
		t.Fatal("expected error for bad upstream")
	}
}
