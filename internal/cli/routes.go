package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/hostsfile"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

func newRoutesCmd() *cobra.Command {
	root := &cobra.Command{Use: "routes", Short: "Inspect routing files"}

	var jsonOut bool
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Parse a routing file and report its rules and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := hostsfile.ParseFile(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				type entry struct {
					Key    string `json:"key"`
					Target string `json:"target"`
					Source string `json:"source"`
					Line   int    `json:"line"`
				}
				payload := struct {
					Entries  []entry  `json:"entries"`
					Warnings []string `json:"warnings"`
				}{Entries: []entry{}, Warnings: res.Warnings}
				for _, e := range res.Entries {
					payload.Entries = append(payload.Entries, entry{Key: e.Key, Target: e.Target.String(), Source: e.Source, Line: e.Line})
				}
				if payload.Warnings == nil {
					payload.Warnings = []string{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}
			table := routing.New(res.Rules(), nil)
			fmt.Printf("%-32s %s\n", "KEY", "TARGET")
			for _, e := range table.Entries() {
				fmt.Printf("%-32s %s\n", e.Key, e.Target.String())
			}
			if len(res.Warnings) > 0 {
				fmt.Fprintln(os.Stderr, "warnings:")
				for _, w := range res.Warnings {
					fmt.Fprintf(os.Stderr, "  - %s\n", w)
				}
			}
			return nil
		},
	}
	check.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	var format string
	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Print a routing file as the JSON document proxy subprocesses read, or normalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := hostsfile.ParseFile(args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				doc, err := routing.New(res.Rules(), nil).Document()
				if err != nil {
					return err
				}
				fmt.Println(string(doc))
				return nil
			case "hosts":
				return hostsfile.Write(os.Stdout, res.Rules(), "exported from "+util.EmptyDash(args[0]))
			default:
				return fmt.Errorf("unknown format %q (json, hosts)", format)
			}
		},
	}
	export.Flags().StringVar(&format, "format", "json", "output format: json or hosts")

	root.AddCommand(check, export)
	return root
}
