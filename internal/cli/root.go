// Package cli provides the command-line interface for chrome-server.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/browser"
	"github.com/treykane/chrome-server/internal/events"
	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/instance"
	"github.com/treykane/chrome-server/internal/supervisor"
	"github.com/treykane/chrome-server/internal/ui"
	"github.com/treykane/chrome-server/internal/util"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "chrome-server",
		Short:         "Launch and control browser instances behind a routing proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newLaunchCmd(&verbose))
	root.AddCommand(newVersionCmd(&verbose))
	root.AddCommand(newEvalCmd(&verbose))
	root.AddCommand(newProxyCmd(&verbose))
	root.AddCommand(newRunCmd(&verbose))
	root.AddCommand(newRoutesCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(&cobra.Command{
		Use:   "dashboard",
		Short: "Open the interactive dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(verbose)
		},
	})
	return root
}

// ErrorMessage renders err for the terminal, honouring security.redact_errors.
func ErrorMessage(err error) string {
	redact := appconfig.Default().Security.RedactErrors
	if cfg, cerr := appconfig.Load(); cerr == nil {
		redact = cfg.Security.RedactErrors
	}
	return fault.UserMessage(err, redact)
}

// session is the per-command runtime: configuration and logger.
type session struct {
	cfg    appconfig.Config
	log    *slog.Logger
	closer io.Closer
}

func openSession(verbose bool, logOut io.Writer) (*session, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	return newSession(cfg, verbose, logOut), nil
}

// openChildSession is openSession for proxy subprocesses. They log to the
// stderr they share with their parent; only the parent writes log.file.
func openChildSession(verbose bool) (*session, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	cfg.Log.File = ""
	return newSession(cfg, verbose, os.Stderr), nil
}

func newSession(cfg appconfig.Config, verbose bool, logOut io.Writer) *session {
	log, closer := appconfig.NewLogger(cfg.Log, verbose || cfg.Proxy.Debug, logOut)
	slog.SetDefault(log)
	return &session{cfg: cfg, log: log, closer: closer}
}

func (s *session) Close() {
	_ = s.closer.Close()
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// newManager wires the instance manager to the real browser launcher, the
// proxy subprocess supervisor and the event journal.
func (s *session) newManager() (*instance.Manager, error) {
	upstream, err := s.cfg.DefaultUpstream()
	if err != nil {
		return nil, err
	}
	runtimeFile, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil, err
	}
	return instance.NewManager(instance.Config{
		Launcher: &browser.Launcher{
			Path:         s.cfg.Chrome.Path,
			ReadyTimeout: seconds(s.cfg.Chrome.ReadyTimeoutSeconds, util.BrowserReadyTimeout),
			Logger:       s.log,
		},
		Spawner:         &supervisor.Supervisor{Logger: s.log},
		ForceProxy:      s.cfg.Proxy.Force,
		DefaultUpstream: upstream,
		Flags:           s.cfg.Chrome.Flags,
		KillGrace:       seconds(s.cfg.Chrome.KillGraceSeconds, util.KillGrace),
		Events:          events.NewStore(),
		RuntimeFile:     runtimeFile,
		Logger:          s.log,
	}), nil
}

// bindPolicy refuses public binds unless security.bind_policy allows them.
func bindPolicy(cfg appconfig.Config) ui.Policy {
	return func(opts instance.LaunchOptions) error {
		bind := strings.TrimSpace(opts.Bind)
		if bind == "" || util.IsLoopback(bind) {
			return nil
		}
		if cfg.Security.BindPolicy != appconfig.BindPolicyAllowPublic {
			return fmt.Errorf("bind %s refused by security.bind_policy=%s", bind, cfg.Security.BindPolicy)
		}
		return nil
	}
}

func runDashboard(verbose bool) error {
	s, err := openSession(verbose, io.Discard)
	if err != nil {
		return err
	}
	defer s.Close()
	mgr, err := s.newManager()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*seconds(s.cfg.Chrome.KillGraceSeconds, util.KillGrace))
		defer cancel()
		_ = mgr.KillAll(ctx)
	}()
	return ui.Run(s.cfg, mgr, bindPolicy(s.cfg))
}

func newVersionCmd(verbose *bool) *cobra.Command {
	var browserVersion bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the chrome-server and browser versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("chrome-server %s\n", Version)
			if !browserVersion {
				return nil
			}
			s, err := openSession(*verbose, os.Stderr)
			if err != nil {
				return err
			}
			defer s.Close()
			mgr, err := s.newManager()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), seconds(s.cfg.Chrome.ReadyTimeoutSeconds, util.BrowserReadyTimeout)+util.KillGrace)
			defer cancel()
			v, err := mgr.Version(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Printf("browser %s (protocol %s)\n", v.Browser, v.Protocol)
			return nil
		},
	}
	cmd.Flags().BoolVar(&browserVersion, "browser", true, "start a headless browser and report its version")
	return cmd
}
