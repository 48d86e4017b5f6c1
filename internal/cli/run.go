package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/ptyrun"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/supervisor"
	"github.com/treykane/chrome-server/internal/util"
)

func newRunCmd(verbose *bool) *cobra.Command {
	var (
		hosts     []string
		hostsFile string
		upstream  string
	)
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command in a terminal with its HTTP(S)_PROXY pointed at a proxy subprocess",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(*verbose, os.Stderr)
			if err != nil {
				return err
			}
			defer s.Close()

			pairs, err := parseHostPairs(hosts)
			if err != nil {
				return err
			}
			chain, err := profile.BuildChain(pairs, util.DefaultString(hostsFile, s.cfg.Proxy.HostsFile), upstream)
			if err != nil {
				return err
			}
			up := chain.Upstream
			if up == nil {
				if up, err = s.cfg.DefaultUpstream(); err != nil {
					return err
				}
			}

			sup := &supervisor.Supervisor{Logger: s.log}
			sub, err := sup.Spawn(cmd.Context(), routing.New(chain.Rules, up))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), seconds(s.cfg.Chrome.KillGraceSeconds, util.KillGrace))
				defer cancel()
				if err := sub.Kill(ctx); err != nil {
					s.log.Warn("proxy subprocess teardown", "pid", sub.PID, "error", err)
				}
			}()
			s.log.Info("proxy subprocess ready", "pid", sub.PID, "address", sub.Address.HostPort())

			c, err := ptyrun.Command(cmd.Context(), args, ptyrun.ProxyEnv(sub.Address))
			if err != nil {
				return err
			}
			if err := ptyrun.RunInteractive(cmd.Context(), c, os.Stdin, os.Stdout); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&hosts, "host", nil, "routing override host[:port]=target (repeatable)")
	cmd.Flags().StringVar(&hostsFile, "hosts-file", "", "routing file with 'target host...' lines")
	cmd.Flags().StringVar(&upstream, "upstream", "", "system upstream, http:// or socks5://")
	return cmd
}
