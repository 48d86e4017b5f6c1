// Package ptyrun runs interactive commands whose network traffic goes
// through a local tunnel proxy.
//
// The proxy is announced the conventional way, through HTTP_PROXY and its
// siblings, so curl, git, package managers and most language runtimes pick it
// up without configuration. The command is attached to a pseudo-terminal so
// that programs which check isatty (pagers, prompts, progress bars) behave as
// they would in the user's shell.
//
// Security note: the command is passed as argv to exec.Command, never through
// a shell, so arguments containing metacharacters are not interpreted.
package ptyrun

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/treykane/chrome-server/internal/model"
)

// NoProxy lists destinations that bypass the proxy: loopback, link-local
// and private ranges.
const NoProxy = "localhost,127.0.0.1,::1,*.local,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,100.64.0.0/10,169.254.0.0/16,fc00::/7,fe80::/10"

// ProxyEnv returns KEY=VALUE pairs pointing HTTP clients at the tunnel proxy
// listening on addr. Both upper- and lower-case spellings are set because
// tools disagree on which one they read.
func ProxyEnv(addr model.Address) []string {
	proxyURL := "http://" + addr.HostPort()
	return []string{
		"HTTP_PROXY=" + proxyURL,
		"http_proxy=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"https_proxy=" + proxyURL,
		"NO_PROXY=" + NoProxy,
		"no_proxy=" + NoProxy,
	}
}

// Command builds the exec.Cmd for argv with env appended to the current
// environment. Later entries win, so env overrides inherited proxy settings.
//
// The returned Cmd has no stdio configured and is not started; pass it to
// RunInteractive.
func Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command given")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	return cmd, nil
}

// RunInteractive starts cmd inside a PTY and wires it to the caller's
// terminal:
//
//  1. Allocates a PTY and starts cmd with it as the controlling terminal.
//  2. Copies stdin into the PTY master so keystrokes reach the command.
//  3. Copies PTY output to stdout until the command closes its side.
//  4. Waits for the command and returns its exit status.
//
// When stdin is a terminal its size is copied onto the PTY once at start.
// Blocks until the command exits.
func RunInteractive(ctx context.Context, cmd *exec.Cmd, stdin io.Reader, stdout io.Writer) error {
	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	if tty, ok := stdin.(*os.File); ok {
		_ = pty.InheritSize(tty, f)
	}

	// Ends when the PTY closes after the command exits.
	go func() {
		_, _ = io.Copy(f, stdin)
	}()

	// The master returns EIO once the command's side is closed.
	_, _ = io.Copy(stdout, f)

	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
	}
	return cmd.Wait()
}
