package devtools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type rpcRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeBrowser speaks just enough of the debugging protocol for Eval.
type fakeBrowser struct {
	srv *httptest.Server

	mu      sync.Mutex
	methods []string
	shot    map[string]any
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	list := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{
			"id":                   "page1",
			"type":                 "page",
			"url":                  "about:blank",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/page/page1",
		}})
	}
	mux.HandleFunc("/json", list)
	mux.HandleFunc("/json/list", list)
	mux.HandleFunc("/devtools/page/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fb.mu.Lock()
			fb.methods = append(fb.methods, req.Method)
			fb.mu.Unlock()
			if err := fb.answer(conn, req); err != nil {
				return
			}
		}
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) answer(conn *websocket.Conn, req rpcRequest) error {
	reply := func(result any) error {
		return conn.WriteJSON(map[string]any{"id": req.ID, "result": result})
	}
	switch req.Method {
	case "Network.enable", "Page.enable":
		return reply(map[string]any{})
	case "Page.navigate":
		var p struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if strings.HasPrefix(p.URL, "bad:") {
			return reply(map[string]any{"frameId": "f1", "errorText": "net::ERR_ABORTED"})
		}
		if err := reply(map[string]any{"frameId": "f1", "loaderId": "l1"}); err != nil {
			return err
		}
		return conn.WriteJSON(map[string]any{"method": "Page.loadEventFired", "params": map[string]any{"timestamp": 1.0}})
	case "Runtime.evaluate":
		var p struct {
			Expression    string `json:"expression"`
			ReturnByValue bool   `json:"returnByValue"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Expression == "throw" {
			return reply(map[string]any{
				"result": map[string]any{"type": "object"},
				"exceptionDetails": map[string]any{
					"exceptionId": 1, "text": "Uncaught", "lineNumber": 0, "columnNumber": 0,
					"exception": map[string]any{"type": "object", "description": "Error: nope"},
				},
			})
		}
		if !p.ReturnByValue {
			return reply(map[string]any{"result": map[string]any{"type": "object", "objectId": "1"}})
		}
		return reply(map[string]any{"result": map[string]any{"type": "number", "value": 42, "description": "42"}})
	case "Page.captureScreenshot":
		var p map[string]any
		_ = json.Unmarshal(req.Params, &p)
		fb.mu.Lock()
		fb.shot = p
		fb.mu.Unlock()
		return reply(map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))})
	default:
		return conn.WriteJSON(map[string]any{"id": req.ID, "error": map[string]any{"code": -32601, "message": "unknown method"}})
	}
}

func (fb *fakeBrowser) port() int { return fb.srv.Listener.Addr().(*net.TCPAddr).Port }

func (fb *fakeBrowser) calls() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return strings.Join(fb.methods, ",")
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEval_ReturnsValue(t *testing.T) {
	fb := newFakeBrowser(t)
	res, err := Eval(testCtx(t), nil, fb.port(), EvalRequest{URL: "http://example.test/", Expression: "6*7", Wait: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "number" || string(res.Value) != "42" || res.Description != "42" {
		t.Fatalf("result = %+v", res)
	}
	if got, want := fb.calls(), "Network.enable,Page.enable,Page.navigate,Runtime.evaluate"; got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestEval_Screenshot(t *testing.T) {
	fb := newFakeBrowser(t)
	res, err := Eval(testCtx(t), nil, fb.port(), EvalRequest{URL: "http://example.test/", Expression: "1", Screenshot: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "jpeg" || string(res.Image) != "jpeg-bytes" {
		t.Fatalf("result = %+v", res)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.shot["format"] != "jpeg" || fb.shot["quality"] != float64(100) || fb.shot["fromSurface"] != true {
		t.Fatalf("screenshot params = %v", fb.shot)
	}
}

func TestEval_Exception(t *testing.T) {
	fb := newFakeBrowser(t)
	_, err := Eval(testCtx(t), nil, fb.port(), EvalRequest{URL: "http://example.test/", Expression: "throw"})
	var ex *ExceptionError
	if !errors.As(err, &ex) || ex.Description != "Error: nope" {
		t.Fatalf("err = %v", err)
	}
}

func TestEval_NavigationError(t *testing.T) {
	fb := newFakeBrowser(t)
	_, err := Eval(testCtx(t), nil, fb.port(), EvalRequest{URL: "bad://x", Expression: "1"})
	if err == nil || !strings.Contains(err.Error(), "net::ERR_ABORTED") {
		t.Fatalf("err = %v", err)
	}
}
