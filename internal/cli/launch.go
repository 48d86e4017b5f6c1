package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/lifecycle"
	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/util"
)

// definitionFlags are the launch settings shared by launch, eval, run and
// profile save.
type definitionFlags struct {
	profile          string
	flags            []string
	headless         bool
	bind             string
	port             int
	hosts            []string
	hostsFile        string
	upstream         string
	extensions       []string
	pacURL           string
	ignoreCertErrors bool
}

func (d *definitionFlags) register(fs *pflag.FlagSet, withProfile bool) {
	if withProfile {
		fs.StringVar(&d.profile, "profile", "", "start from a saved launch profile")
	}
	fs.StringArrayVar(&d.flags, "flag", nil, "extra browser flag (repeatable)")
	fs.BoolVar(&d.headless, "headless", false, "run the browser headless")
	fs.StringVar(&d.bind, "bind", "", "address remote callers use for the debug port (default loopback)")
	fs.IntVar(&d.port, "port", 0, "caller-visible debug port (default chrome.port or a free port)")
	fs.StringArrayVar(&d.hosts, "host", nil, "routing override host[:port]=target (repeatable)")
	fs.StringVar(&d.hostsFile, "hosts-file", "", "routing file with 'target host...' lines")
	fs.StringVar(&d.upstream, "upstream", "", "system upstream, http:// or socks5://")
	fs.StringArrayVar(&d.extensions, "extension", nil, "unpacked extension directory (repeatable)")
	fs.StringVar(&d.pacURL, "pac-url", "", "proxy auto-config URL")
	fs.BoolVar(&d.ignoreCertErrors, "ignore-cert-errors", false, "disable sandbox and certificate checks")
}

// definition merges the saved profile, config defaults and explicitly set
// flags. Flags win over the profile.
func (d *definitionFlags) definition(fs *pflag.FlagSet, cfg appconfig.Config) (profile.Definition, error) {
	var def profile.Definition
	if d.profile != "" {
		p, err := profile.Get(d.profile)
		if err != nil {
			return profile.Definition{}, err
		}
		def = p
	} else {
		def.Port = cfg.Chrome.Port
		def.HostsFile = cfg.Proxy.HostsFile
	}

	if fs.Changed("flag") {
		def.Flags = append(append([]string(nil), def.Flags...), d.flags...)
	}
	if fs.Changed("headless") {
		def.Headless = d.headless
	}
	if fs.Changed("bind") {
		def.Bind = d.bind
	}
	if fs.Changed("port") {
		def.Port = d.port
	}
	if fs.Changed("host") {
		hosts, err := parseHostPairs(d.hosts)
		if err != nil {
			return profile.Definition{}, err
		}
		if def.Hosts == nil {
			def.Hosts = map[string]string{}
		}
		for k, v := range hosts {
			def.Hosts[k] = v
		}
	}
	if fs.Changed("hosts-file") {
		def.HostsFile = d.hostsFile
	}
	if fs.Changed("upstream") {
		def.Upstream = d.upstream
	}
	if fs.Changed("extension") {
		def.Extensions = append(append([]string(nil), def.Extensions...), d.extensions...)
	}
	if fs.Changed("pac-url") {
		def.PACURL = d.pacURL
	}
	if fs.Changed("ignore-cert-errors") {
		def.IgnoreCertErrors = d.ignoreCertErrors
	}
	return def, nil
}

func parseHostPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, target, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || key == "" || target == "" {
			return nil, fmt.Errorf("--host %q must be host[:port]=target", p)
		}
		out[key] = target
	}
	return out, nil
}

func newLaunchCmd(verbose *bool) *cobra.Command {
	var (
		df      definitionFlags
		id      string
		force   bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a browser instance and keep it running until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(*verbose, os.Stderr)
			if err != nil {
				return err
			}
			defer s.Close()

			def, err := df.definition(cmd.Flags(), s.cfg)
			if err != nil {
				return err
			}
			opts, err := def.LaunchOptions()
			if err != nil {
				return err
			}
			opts.ForceProxy = force
			if err := bindPolicy(s.cfg)(opts); err != nil {
				return err
			}

			mgr, err := s.newManager()
			if err != nil {
				return err
			}
			// Stays armed until the coordinator below takes over.
			startCtx, stopStart := lifecycle.Starting(cmd.Context())
			defer stopStart()
			inst, err := mgr.Launch(startCtx, id, opts)
			if err != nil {
				if startCtx.Err() != nil && cmd.Context().Err() == nil {
					return fmt.Errorf("launch interrupted: %w", err)
				}
				return err
			}
			if startCtx.Err() != nil && cmd.Context().Err() == nil {
				// Signal arrived after the start finished.
				_ = mgr.KillAll(context.Background())
				return errors.New("launch interrupted")
			}
			rt := inst.Runtime()
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rt); err != nil {
					return err
				}
			} else {
				fmt.Printf("launched %s pid=%d debug-port=%d chain=%s proxy=%s\n", rt.ID, rt.PID, rt.DebugPort, rt.Chain, util.EmptyDash(rt.ProxyAddr))
			}

			coord := &lifecycle.Coordinator{Instances: mgr, Logger: s.log}
			if err := coord.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	df.register(cmd.Flags(), true)
	cmd.Flags().StringVar(&id, "id", "", "instance id (default generated)")
	cmd.Flags().BoolVar(&force, "force", false, "front the browser with a reverse listener even on loopback")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the instance as JSON")
	return cmd
}
