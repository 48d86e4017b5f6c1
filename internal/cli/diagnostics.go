package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/doctor"
	"github.com/treykane/chrome-server/internal/events"
	"github.com/treykane/chrome-server/internal/util"
)

func newEventsCmd() *cobra.Command {
	var (
		id        string
		eventType string
		since     time.Duration
		limit     int
		chain     string
		problems  bool
		jsonOut   bool
		summary   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show instance lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{InstanceID: id, EventType: eventType, Chain: chain, Problems: problems, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			store := events.NewStore()
			if summary {
				if !cmd.Flags().Changed("limit") {
					q.Limit = 0
				}
				sums, err := store.Summaries(q)
				if err != nil {
					return err
				}
				if jsonOut {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(sums)
				}
				fmt.Printf("%-38s %-10s %-10s %-8s %-9s %-9s %s\n", "INSTANCE", "STATE", "CHAIN", "PID", "LAUNCHES", "FAILURES", "LAST")
				for _, s := range sums {
					fmt.Printf("%-38s %-10s %-10s %-8d %-9d %-9d %s\n", s.InstanceID, s.State, util.EmptyDash(s.Chain), s.PID, s.Launches, s.Failures, s.LastEvent)
				}
				return nil
			}
			evts, err := store.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(evts)
			}
			fmt.Printf("%-20s %-38s %-16s %-8s %s\n", "TIME", "INSTANCE", "EVENT", "PID", "MESSAGE")
			for _, e := range evts {
				fmt.Printf("%-20s %-38s %-16s %-8d %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), util.EmptyDash(e.InstanceID), e.EventType, e.PID, util.EmptyDash(e.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "only this instance id")
	cmd.Flags().StringVar(&eventType, "type", "", "only this event type")
	cmd.Flags().StringVar(&chain, "chain", "", "only instances with this proxy chain (none, overrides, upstream)")
	cmd.Flags().BoolVar(&problems, "problems", false, "only launch failures and kill timeouts")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "most recent events to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&summary, "summary", false, "one line per instance with its last known state")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := doctor.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				if rep.Issues == nil {
					rep.Issues = []doctor.Issue{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			if len(rep.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, is := range rep.Issues {
				fmt.Printf("[%s] %s %s: %s\n", is.Severity, is.Check, util.EmptyDash(is.Target), is.Message)
				if is.Recommendation != "" {
					fmt.Printf("    -> %s\n", is.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
