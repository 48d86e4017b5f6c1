// Package devtools drives a running browser over the remote debugging
// protocol.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	"github.com/treykane/chrome-server/internal/util"
)

// EvalRequest describes one page evaluation.
type EvalRequest struct {
	URL        string
	Expression string
	// Wait is an extra pause between the load event and the evaluation.
	Wait time.Duration
	// Screenshot replaces the evaluation result with a JPEG of the page.
	Screenshot bool
}

// Result is the outcome of Eval.
type Result struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	// Image holds the decoded JPEG when a screenshot was requested.
	Image []byte `json:"-"`
}

// ExceptionError reports an expression that threw in the page.
type ExceptionError struct {
	Text        string
	Description string
}

func (e *ExceptionError) Error() string {
	if e.Description != "" {
		return "evaluation threw: " + e.Description
	}
	return "evaluation threw: " + e.Text
}

// Eval opens a page target on the browser whose debug server listens on
// loopback port, navigates it to req.URL, waits for the load event and
// evaluates req.Expression by value.
func Eval(ctx context.Context, client *http.Client, port int, req EvalRequest) (*Result, error) {
	base := "http://" + net.JoinHostPort(util.LoopbackHost, strconv.Itoa(port))
	var opts []devtool.DevToolsOption
	if client != nil {
		opts = append(opts, devtool.WithClient(client))
	}
	dt := devtool.New(base, opts...)
	target, err := dt.Get(ctx, devtool.Page)
	if err != nil {
		if target, err = dt.Create(ctx); err != nil {
			return nil, fmt.Errorf("open page target: %w", err)
		}
	}

	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.WebSocketDebuggerURL, err)
	}
	defer conn.Close()
	c := cdp.NewClient(conn)

	if err := c.Network.Enable(ctx, nil); err != nil {
		return nil, fmt.Errorf("enable network: %w", err)
	}
	if err := c.Page.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enable page: %w", err)
	}
	loaded, err := c.Page.LoadEventFired(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe load event: %w", err)
	}
	defer loaded.Close()

	nav, err := c.Page.Navigate(ctx, page.NewNavigateArgs(req.URL))
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", req.URL, err)
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		return nil, fmt.Errorf("navigate %s: %s", req.URL, *nav.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	if req.Wait > 0 {
		select {
		case <-time.After(req.Wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	reply, err := c.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(req.Expression).SetReturnByValue(true))
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if ex := reply.ExceptionDetails; ex != nil {
		e := &ExceptionError{Text: ex.Text}
		if ex.Exception != nil && ex.Exception.Description != nil {
			e.Description = *ex.Exception.Description
		}
		return nil, e
	}

	if req.Screenshot {
		shot, err := c.Page.CaptureScreenshot(ctx, page.NewCaptureScreenshotArgs().
			SetFormat("jpeg").
			SetQuality(100).
			SetFromSurface(true))
		if err != nil {
			return nil, fmt.Errorf("capture screenshot: %w", err)
		}
		return &Result{Type: "jpeg", Image: shot.Data}, nil
	}

	res := &Result{Type: reply.Result.Type, Value: reply.Result.Value}
	if reply.Result.Description != nil {
		res.Description = *reply.Result.Description
	}
	return res, nil
}
