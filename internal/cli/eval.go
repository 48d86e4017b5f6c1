package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/chrome-server/internal/browser"
	"github.com/treykane/chrome-server/internal/devtools"
	"github.com/treykane/chrome-server/internal/util"
)

func newEvalCmd(verbose *bool) *cobra.Command {
	var (
		df            definitionFlags
		wait          time.Duration
		timeout       time.Duration
		screenshotOut string
	)
	cmd := &cobra.Command{
		Use:   "eval <url> [expression]",
		Short: "Load a page in a headless browser and evaluate an expression or take a screenshot",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 && screenshotOut == "" {
				return fmt.Errorf("an expression or --screenshot-out is required")
			}
			s, err := openSession(*verbose, os.Stderr)
			if err != nil {
				return err
			}
			defer s.Close()

			def, err := df.definition(cmd.Flags(), s.cfg)
			if err != nil {
				return err
			}
			def.Headless = true
			def.Bind = ""
			opts, err := def.LaunchOptions()
			if err != nil {
				return err
			}
			mgr, err := s.newManager()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			inst, err := mgr.Launch(ctx, "", opts)
			if err != nil {
				return err
			}
			defer func() {
				kctx, kcancel := context.WithTimeout(context.Background(), seconds(s.cfg.Chrome.KillGraceSeconds, util.KillGrace))
				defer kcancel()
				_ = mgr.Kill(kctx, inst.ID)
			}()

			req := devtools.EvalRequest{URL: args[0], Wait: wait, Screenshot: screenshotOut != ""}
			if len(args) == 2 {
				req.Expression = args[1]
			}
			res, err := devtools.Eval(ctx, browser.RetryingClient(), inst.BrowserPort(), req)
			if err != nil {
				return err
			}
			if req.Screenshot {
				if err := os.WriteFile(screenshotOut, res.Image, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", screenshotOut, len(res.Image))
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	df.register(cmd.Flags(), true)
	cmd.Flags().DurationVar(&wait, "wait", 0, "extra wait after the load event")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	cmd.Flags().StringVar(&screenshotOut, "screenshot-out", "", "write a JPEG screenshot here instead of evaluating")
	return cmd
}
