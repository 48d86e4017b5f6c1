package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/control"
	"github.com/treykane/chrome-server/internal/hostsfile"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/proxy"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/supervisor"
	"github.com/treykane/chrome-server/internal/util"
)

func newProxyCmd(verbose *bool) *cobra.Command {
	var (
		listen      string
		hostsFile   string
		upstream    string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the tunnel proxy with an interactive routing console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(*verbose, os.Stderr)
			if err != nil {
				return err
			}
			defer s.Close()

			up, err := s.cfg.DefaultUpstream()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("upstream") {
				if up, err = parseUpstream(upstream); err != nil {
					return err
				}
			}
			rules := map[string]model.Address{}
			if f := util.DefaultString(hostsFile, s.cfg.Proxy.HostsFile); f != "" {
				res, err := hostsfile.ParseFile(f)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					s.log.Warn("routing file", "warning", w)
				}
				rules = res.Rules()
			}

			metrics := proxy.NewMetrics()
			srv := proxy.New(proxy.Config{
				Table:   routing.New(rules, up),
				Metrics: metrics,
				Logger:  s.log,
				Debug:   s.cfg.Proxy.Debug,
				Version: Version,
			})
			ln, err := srv.Listen(util.DefaultString(listen, s.cfg.ProxyListenAddr()))
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil {
					s.log.Error("proxy stopped", "error", err)
				}
			}()
			defer srv.Close()

			if addr := util.DefaultString(metricsAddr, s.cfg.Proxy.MetricsAddr); addr != "" {
				stop := serveMetrics(addr, metrics.Handler(), s.log)
				defer stop()
			}
			fmt.Printf("proxy listening on %s\n", srv.Addr().String())

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- runConsole(cmd.InOrStdin(), os.Stdout, srv.Table()) }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-done:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", supervisor.DefaultListen, "listen address")
	cmd.Flags().StringVar(&hostsFile, "hosts-file", "", "routing file loaded at start")
	cmd.Flags().StringVar(&upstream, "upstream", "", "system upstream, http:// or socks5://")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.AddCommand(newProxyServeCmd(verbose))
	return cmd
}

func parseUpstream(s string) (*model.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	a, err := util.ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return &a, nil
}

func serveMetrics(addr string, h http.Handler, log *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "address", addr, "error", err)
		}
	}()
	log.Info("metrics listening", "address", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// runConsole reads "add <domain> <ip> [port]", "print" and "quit" lines
// until quit or end of input.
func runConsole(in io.Reader, out io.Writer, table *routing.Table) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "proxy> ")
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			switch fields[0] {
			case "quit":
				return nil
			case "add":
				if err := consoleAdd(table, fields[1:]); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			case "print":
				doc, err := table.Document()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(doc))
			default:
				fmt.Fprintf(out, "unknown command %q (add, print, quit)\n", fields[0])
			}
		}
		fmt.Fprint(out, "proxy> ")
	}
	return sc.Err()
}

func consoleAdd(table *routing.Table, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: add <domain> <ip> [port]")
	}
	port := 0
	if len(args) == 3 {
		p, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("bad port %q", args[2])
		}
		port = p
	}
	msg := control.Add(args[0], args[1], port)
	target, err := msg.Target()
	if err != nil {
		return err
	}
	table.Add(msg.Domain, target)
	return nil
}

func newProxyServeCmd(verbose *bool) *cobra.Command {
	var (
		controlFD int
		listen    string
	)
	cmd := &cobra.Command{
		Use:    "serve",
		Short:  "Serve as a proxy subprocess (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openChildSession(*verbose)
			if err != nil {
				return err
			}
			defer s.Close()
			up, err := s.cfg.DefaultUpstream()
			if err != nil {
				s.log.Warn("ignoring upstream", "error", err)
				up = nil
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return supervisor.ServeChild(ctx, supervisor.ChildConfig{
				ControlFD: controlFD,
				Stdin:     cmd.InOrStdin(),
				Listen:    listen,
				Upstream:  up,
				Debug:     s.cfg.Proxy.Debug,
				Version:   Version,
				Logger:    s.log,
			})
		},
	}
	cmd.Flags().IntVar(&controlFD, "control-fd", supervisor.ControlFD, "inherited control channel descriptor")
	cmd.Flags().StringVar(&listen, "listen", supervisor.DefaultListen, "listen address")
	return cmd
}
