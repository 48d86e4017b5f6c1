package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/history"
	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/util"
)

func newProfileCmd() *cobra.Command {
	root := &cobra.Command{Use: "profile", Short: "Manage saved launch profiles"}

	var recent bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := profile.LoadAll()
			if err != nil {
				return err
			}
			if recent {
				lastUsed, err := history.LastUsed()
				if err != nil {
					return err
				}
				defs = history.SortProfilesRecent(defs, lastUsed)
			}
			fmt.Printf("%-20s %-9s %-18s %-6s %-10s %s\n", "NAME", "MODE", "BIND", "PORT", "CHAIN", "LAUNCHES")
			for _, d := range defs {
				mode := "headed"
				if d.Headless {
					mode = "headless"
				}
				chain := "invalid"
				if c, err := d.Chain(); err == nil {
					chain = c.Kind.String()
				}
				port := "auto"
				if d.Port > 0 {
					port = fmt.Sprint(d.Port)
				}
				launches := 0
				if u, err := history.Get(d.Name); err == nil {
					launches = u.Launches
				}
				fmt.Printf("%-20s %-9s %-18s %-6s %-10s %d\n", d.Name, mode, util.NormalizeAddr(d.Bind, util.LoopbackHost), port, chain, launches)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&recent, "recent", false, "most recently launched first")

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a profile as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := profile.Get(args[0])
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(def)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}

	var df definitionFlags
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Create or replace a profile from launch flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := df.definition(cmd.Flags(), appconfig.Config{})
			if err != nil {
				return err
			}
			def.Name = strings.TrimSpace(args[0])
			if err := profile.Save(def); err != nil {
				return err
			}
			fmt.Printf("saved profile %s\n", def.Name)
			return nil
		},
	}
	df.register(save.Flags(), false)

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := profile.Delete(args[0]); err != nil {
				return err
			}
			if err := history.Forget(args[0]); err != nil {
				slog.Warn("forget profile history", "profile", args[0], "error", err)
			}
			fmt.Printf("deleted profile %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(list, show, save, del)
	return root
}
