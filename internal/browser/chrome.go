// Package browser starts and stops Chrome/Chromium processes with remote
// debugging enabled.
//
// This package only launches processes: it does not speak the remote
// debugging protocol beyond polling /json/version for readiness. Each browser
// runs in its own process group with a throwaway profile directory, so Kill
// takes down renderer and GPU helpers too and leaves nothing behind on disk.
//
// All arguments are passed through exec.Command's argv, never a shell.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mafredri/cdp/devtool"

	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/procgroup"
	"github.com/treykane/chrome-server/internal/util"
)

// PathEnv overrides browser discovery.
const PathEnv = "CHROME_PATH"

// Process is a running browser as seen by the instance manager.
type Process interface {
	PID() int
	// Port is the loopback remote debugging port.
	Port() int
	Kill(ctx context.Context) error
}

// Options configures one browser launch.
type Options struct {
	// Port is the remote debugging port; 0 picks a free one.
	Port int
	// Flags are passed through verbatim after the generated ones.
	Flags []string
	// ProxyServer becomes --proxy-server.
	ProxyServer string
	// PACURL becomes --proxy-pac-url.
	PACURL string
	// Extensions are unpacked extension directories to load.
	Extensions []string
	// IgnoreCertErrors adds --no-sandbox and --ignore-certificate-errors.
	IgnoreCertErrors bool
	// DebugAddress becomes --remote-debugging-address. Headless only.
	DebugAddress string
	// UserDataDir is used as-is when set; otherwise a temporary profile is
	// created and removed on Kill.
	UserDataDir string
	// Env is appended to the parent's environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Headless reports whether the flags request a headless browser.
func (o Options) Headless() bool {
	for _, f := range o.Flags {
		if f == "--headless" || strings.HasPrefix(f, "--headless=") {
			return true
		}
	}
	return false
}

// defaultFlags keep a scripted browser quiet and deterministic.
var defaultFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-component-update",
	"--disable-default-apps",
	"--disable-sync",
	"--disable-hang-monitor",
	"--disable-prompt-on-repost",
	"--metrics-recording-only",
	"--password-store=basic",
	"--use-mock-keychain",
}

// BuildArgs returns the command line for a browser listening on port with
// the given profile directory.
func BuildArgs(opts Options, port int, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + userDataDir,
	}
	args = append(args, defaultFlags...)
	if len(opts.Extensions) == 0 {
		args = append(args, "--disable-extensions")
	} else {
		list := strings.Join(opts.Extensions, ",")
		if opts.Headless() {
			args = append(args, "--disable-extensions-except="+list)
		}
		args = append(args, "--load-extension="+list)
	}
	if opts.ProxyServer != "" {
		args = append(args, "--proxy-server="+opts.ProxyServer)
	}
	if opts.PACURL != "" {
		args = append(args, "--proxy-pac-url="+opts.PACURL)
	}
	if opts.IgnoreCertErrors {
		args = append(args, "--no-sandbox", "--ignore-certificate-errors")
	}
	if opts.DebugAddress != "" && opts.Headless() {
		args = append(args, "--remote-debugging-address="+opts.DebugAddress)
	}
	args = append(args, opts.Flags...)
	return append(args, "about:blank")
}

// candidates are tried in order when CHROME_PATH is unset.
func candidates() []string {
	if runtime.GOOS == "darwin" {
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"google-chrome",
			"chromium",
		}
	}
	return []string{"google-chrome-stable", "google-chrome", "chromium-browser", "chromium", "chrome"}
}

// FindChrome locates a browser binary: CHROME_PATH first, then well-known
// names on PATH and install locations.
func FindChrome() (string, error) {
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%s: %w", PathEnv, p, err)
		}
		return p, nil
	}
	for _, c := range candidates() {
		if strings.Contains(c, "/") {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no chrome or chromium binary found; set " + PathEnv)
}

// Launcher starts browsers. The zero value discovers the binary with
// FindChrome and waits util.BrowserReadyTimeout for readiness.
type Launcher struct {
	Path         string
	ReadyTimeout time.Duration
	Logger       *slog.Logger
	// HTTPClient polls the debug endpoint; nil uses a retrying client.
	HTTPClient *http.Client
}

// Chrome is a browser process started by Launcher.
type Chrome struct {
	pid        int
	port       int
	profileDir string
	removeDir  bool
	log        *slog.Logger

	done chan struct{}
	err  error

	killOnce sync.Once
	killErr  error
}

func (c *Chrome) PID() int  { return c.pid }
func (c *Chrome) Port() int { return c.port }

// Done is closed once the browser process has exited.
func (c *Chrome) Done() <-chan struct{} { return c.done }

// Kill stops the browser's process group and removes its temporary profile.
// SIGTERM is followed by SIGKILL once ctx ends, or after util.KillGrace when
// ctx has no deadline; the forced path reports fault.PartialTeardownTimeout.
func (c *Chrome) Kill(ctx context.Context) error {
	c.killOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, util.KillGrace)
			defer cancel()
		}
		err := procgroup.Stop(ctx, c.pid, c.done)
		if errors.Is(err, procgroup.ErrForced) {
			c.killErr = fault.New(fault.PartialTeardownTimeout, "kill browser", "pid "+strconv.Itoa(c.pid), err)
			c.log.Warn("browser did not stop in time", "error", c.killErr)
		} else if err != nil {
			c.killErr = fmt.Errorf("kill browser %d: %w", c.pid, err)
		}
		if c.removeDir {
			// The profile can only be removed once the browser is gone.
			select {
			case <-c.done:
				if err := os.RemoveAll(c.profileDir); err != nil {
					c.log.Warn("remove browser profile", "dir", c.profileDir, "error", err)
				}
			case <-time.After(time.Second):
				c.log.Warn("browser profile left behind", "dir", c.profileDir)
			}
		}
	})
	return c.killErr
}

// Launch starts a browser and waits until its debug endpoint answers. A
// browser that exits or never answers is killed and reported as
// fault.ProcessStartupFailure.
func (l *Launcher) Launch(ctx context.Context, opts Options) (Process, error) {
	c, err := l.launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *Launcher) launch(ctx context.Context, opts Options) (*Chrome, error) {
	const op = "launch browser"
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}

	path := l.Path
	if path == "" {
		var err error
		if path, err = FindChrome(); err != nil {
			return nil, fault.New(fault.ProcessStartupFailure, op, "browser not found", err)
		}
	}

	port := opts.Port
	if port == 0 {
		var err error
		if port, err = util.FreePort(); err != nil {
			return nil, fault.New(fault.ProcessStartupFailure, op, "pick debug port", err)
		}
	}

	profileDir, removeDir := opts.UserDataDir, false
	if profileDir == "" {
		dir, err := os.MkdirTemp("", "chrome-server-profile-")
		if err != nil {
			return nil, fault.New(fault.ProcessStartupFailure, op, "profile dir", err)
		}
		profileDir, removeDir = dir, true
	}

	cmd := exec.Command(path, BuildArgs(opts, port, profileDir)...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	procgroup.Setup(cmd)
	if err := cmd.Start(); err != nil {
		if removeDir {
			_ = os.RemoveAll(profileDir)
		}
		return nil, fault.New(fault.ProcessStartupFailure, op, "start "+path, err)
	}

	c := &Chrome{
		pid:        cmd.Process.Pid,
		port:       port,
		profileDir: profileDir,
		removeDir:  removeDir,
		log:        log.With("component", "browser", "pid", cmd.Process.Pid, "port", port),
		done:       make(chan struct{}),
	}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = util.BrowserReadyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-readyCtx.Done():
		}
	}()

	v, err := FetchVersion(readyCtx, l.client(), port)
	if err != nil {
		select {
		case <-c.done:
			err = fmt.Errorf("browser exited: %v", c.err)
		default:
		}
		_ = c.Kill(context.Background())
		return nil, fault.New(fault.ProcessStartupFailure, op, "debug endpoint not ready", err)
	}
	c.log.Info("browser ready", "browser", v.Browser, "headless", opts.Headless())
	return c, nil
}

func (l *Launcher) client() *http.Client {
	if l.HTTPClient != nil {
		return l.HTTPClient
	}
	return RetryingClient()
}

// RetryingClient returns an HTTP client that keeps retrying connection
// failures with a short backoff; the request context bounds the total wait.
func RetryingClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 200
	rc.RetryWaitMin = 50 * time.Millisecond
	rc.RetryWaitMax = 500 * time.Millisecond
	rc.Logger = nil
	return rc.StandardClient()
}

// FetchVersion reads /json/version from a debug endpoint on loopback.
func FetchVersion(ctx context.Context, client *http.Client, port int) (*devtool.Version, error) {
	url := "http://" + util.LoopbackHost + ":" + strconv.Itoa(port)
	var opts []devtool.DevToolsOption
	if client != nil {
		opts = append(opts, devtool.WithClient(client))
	}
	v, err := devtool.New(url, opts...).Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", url, err)
	}
	return v, nil
}
