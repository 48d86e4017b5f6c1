package browser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/procgroup"
)

const fakeEnv = "CHROME_SERVER_FAKE_BROWSER"

// TestMain lets the test binary stand in for a browser.
func TestMain(m *testing.M) {
	switch os.Getenv(fakeEnv) {
	case "":
		os.Exit(m.Run())
	case "crash":
		os.Exit(2)
	case "mute":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		serveFakeBrowser()
	default:
		serveFakeBrowser()
	}
}

func serveFakeBrowser() {
	port := ""
	for _, a := range os.Args[1:] {
		if v, ok := strings.CutPrefix(a, "--remote-debugging-port="); ok {
			port = v
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":          "FakeChrome/1.0",
			"Protocol-Version": "1.3",
			"User-Agent":       "fake",
		})
	})
	_ = http.ListenAndServe("127.0.0.1:"+port, mux)
	os.Exit(0)
}

func testLauncher() *Launcher {
	return &Launcher{
		Path:         os.Args[0],
		ReadyTimeout: 10 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBuildArgs(t *testing.T) {
	opts := Options{
		Flags:            []string{"--headless", "--window-size=800,600"},
		ProxyServer:      "http://127.0.0.1:4000",
		PACURL:           "http://pac.local/proxy.pac",
		Extensions:       []string{"/ext/a", "/ext/b"},
		IgnoreCertErrors: true,
		DebugAddress:     "0.0.0.0",
	}
	args := BuildArgs(opts, 9222, "/tmp/profile")

	if args[0] != "--remote-debugging-port=9222" || args[1] != "--user-data-dir=/tmp/profile" {
		t.Fatalf("unexpected leading args %v", args[:2])
	}
	if args[len(args)-1] != "about:blank" {
		t.Fatalf("last arg = %q", args[len(args)-1])
	}
	want := []string{
		"--disable-extensions-except=/ext/a,/ext/b",
		"--load-extension=/ext/a,/ext/b",
		"--proxy-server=http://127.0.0.1:4000",
		"--proxy-pac-url=http://pac.local/proxy.pac",
		"--no-sandbox",
		"--ignore-certificate-errors",
		"--remote-debugging-address=0.0.0.0",
		"--headless",
		"--window-size=800,600",
	}
	tail := args[2+len(defaultFlags) : len(args)-1]
	if !reflect.DeepEqual(tail, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, tail)
	}
}

func TestBuildArgs_HeadedDefaults(t *testing.T) {
	args := BuildArgs(Options{DebugAddress: "0.0.0.0"}, 1, "/p")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--disable-extensions") {
		t.Fatal("extensions should be disabled when none are requested")
	}
	if strings.Contains(joined, "--remote-debugging-address") {
		t.Fatal("debug address applies to headless browsers only")
	}
}

func TestFindChrome_EnvOverride(t *testing.T) {
	t.Setenv(PathEnv, os.Args[0])
	p, err := FindChrome()
	if err != nil || p != os.Args[0] {
		t.Fatalf("FindChrome() = %q, %v", p, err)
	}
	t.Setenv(PathEnv, "/nonexistent/chrome")
	if _, err := FindChrome(); err == nil {
		t.Fatal("expected error for missing CHROME_PATH target")
	}
}

func TestLaunch_ReadyAndKill(t *testing.T) {
	l := testLauncher()
	c, err := l.launch(context.Background(), Options{Env: []string{fakeEnv + "=1"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.PID() <= 0 || c.Port() <= 0 {
		t.Fatalf("pid=%d port=%d", c.PID(), c.Port())
	}
	v, err := FetchVersion(context.Background(), http.DefaultClient, c.Port())
	if err != nil {
		t.Fatal(err)
	}
	if v.Browser != "FakeChrome/1.0" {
		t.Fatalf("browser = %q", v.Browser)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, err := os.Stat(c.profileDir); !os.IsNotExist(err) {
		t.Fatalf("profile dir should be removed, stat err=%v", err)
	}
	if procgroup.Alive(c.PID()) {
		t.Fatal("browser still alive after kill")
	}
	if err := c.Kill(ctx); err != nil {
		t.Fatalf("second kill: %v", err)
	}
}

func TestLaunch_KeepsCallerProfile(t *testing.T) {
	dir := t.TempDir()
	c, err := testLauncher().launch(context.Background(), Options{UserDataDir: dir, Env: []string{fakeEnv + "=1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Kill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("caller profile removed: %v", err)
	}
}

func TestLaunch_CrashIsStartupFailure(t *testing.T) {
	_, err := testLauncher().Launch(context.Background(), Options{Env: []string{fakeEnv + "=crash"}})
	if !errors.Is(err, fault.ErrProcessStartupFailure) {
		t.Fatalf("expected startup failure, got %v", err)
	}
}

func TestLaunch_NeverReadyHonoursTimeout(t *testing.T) {
	l := testLauncher()
	l.ReadyTimeout = 500 * time.Millisecond
	start := time.Now()
	_, err := l.Launch(context.Background(), Options{Env: []string{fakeEnv + "=mute"}})
	if !errors.Is(err, fault.ErrProcessStartupFailure) {
		t.Fatalf("expected startup failure, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatal("launch ignored the ready timeout")
	}
}

func TestKill_StubbornBrowserIsForced(t *testing.T) {
	c, err := testLauncher().launch(context.Background(), Options{Env: []string{fakeEnv + "=stubborn"}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := c.Kill(ctx); !errors.Is(err, fault.ErrPartialTeardownTimeout) {
		t.Fatalf("expected partial teardown, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("browser survived SIGKILL")
	}
}
