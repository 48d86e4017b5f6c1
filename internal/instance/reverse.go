package instance

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/treykane/chrome-server/internal/util"
)

// reverseListener forwards plain HTTP and upgraded (WebSocket) connections
// from a caller-visible address to a browser debug server bound to loopback.
type reverseListener struct {
	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

func startReverseListener(ln net.Listener, targetPort int, log *slog.Logger) *reverseListener {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(util.LoopbackHost, strconv.Itoa(targetPort))}
	rp := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			// webSocketDebuggerUrl is derived from Host.
			r.Out.Host = r.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug("reverse forward failed", "url", r.URL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rl := &reverseListener{
		ln: ln,
		srv: &http.Server{
			Handler:           logRequests(rp, log),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(rl.done)
		if err := rl.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("reverse listener stopped", "error", err)
		}
	}()
	log.Info("reverse listener started", "address", ln.Addr().String(), "target", target.Host)
	return rl
}

func logRequests(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			log.Debug("reverse upgrade", "url", r.URL.String())
		} else {
			log.Debug("reverse request", "method", r.Method, "url", r.URL.String())
		}
		next.ServeHTTP(w, r)
	})
}

func (r *reverseListener) Port() int {
	if a, ok := r.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close stops accepting and closes idle and active HTTP connections.
// Upgraded connections end when the browser side goes away.
func (r *reverseListener) Close() error {
	err := r.srv.Close()
	<-r.done
	return err
}
