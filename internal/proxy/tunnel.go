package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

type side int

const (
	clientSide side = iota
	upstreamSide
)

func (s side) other() side { return 1 - s }

func (s side) String() string {
	if s == clientSide {
		return "client"
	}
	return "upstream"
}

// direction label for bytes read from s.
func (s side) direction() string {
	if s == clientSide {
		return "upstream"
	}
	return "downstream"
}

// tunnel is the per-connection state shared by both relay directions.
//
// Each side has an ended flag. The first terminal event seen on a side marks
// it ended and, only if the other side has not ended yet, marks the other side
// ended too and propagates the event: an error destroys the other connection,
// a graceful end half-closes it. Later events on an ended side change nothing.
// Both connections are fully closed once both directions stop.
type tunnel struct {
	id    string
	conns [2]net.Conn
	log   *slog.Logger

	mu        sync.Mutex
	ended     [2]bool
	destroyed [2]bool

	metrics *Metrics
}

func newTunnel(id string, client, upstream net.Conn, log *slog.Logger, m *Metrics) *tunnel {
	return &tunnel{id: id, conns: [2]net.Conn{client, upstream}, log: log, metrics: m}
}

// finish records a terminal event on side s. A nil err means the peer ended
// its stream gracefully. It reports whether the event was propagated.
func (t *tunnel) finish(s side, err error) bool {
	o := s.other()
	t.mu.Lock()
	if !t.ended[s] {
		t.ended[s] = true
		t.log.Debug("tunnel side ended", "tunnel", t.id, "side", s.String(), "error", err)
	}
	propagate := !t.ended[o]
	if propagate {
		t.ended[o] = true
	}
	destroySelf := err != nil && !t.destroyed[s]
	if destroySelf {
		t.destroyed[s] = true
	}
	destroyOther := propagate && err != nil && !t.destroyed[o]
	if destroyOther {
		t.destroyed[o] = true
	}
	t.mu.Unlock()

	if destroySelf {
		_ = t.conns[s].Close()
	}
	if !propagate {
		return false
	}
	if err != nil {
		if destroyOther {
			_ = t.conns[o].Close()
		}
		return true
	}
	closeWrite(t.conns[o])
	return true
}

// closeAll fully closes whichever connections are still open.
func (t *tunnel) closeAll() {
	t.mu.Lock()
	var toClose []net.Conn
	for s := range t.conns {
		if !t.destroyed[s] {
			t.destroyed[s] = true
			toClose = append(toClose, t.conns[s])
		}
	}
	t.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
}

// relay copies both directions until each stops, then closes both sides.
func (t *tunnel) relay() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.pipe(clientSide)
	}()
	go func() {
		defer wg.Done()
		t.pipe(upstreamSide)
	}()
	wg.Wait()
	t.closeAll()
}

// pipe copies bytes read from side from into the other side.
func (t *tunnel) pipe(from side) {
	to := from.other()
	buf := make([]byte, 32<<10)
	var total int64
	defer func() { t.metrics.relayed(from.direction(), total) }()
	for {
		n, rerr := t.conns[from].Read(buf)
		if n > 0 {
			if _, werr := t.conns[to].Write(buf[:n]); werr != nil {
				t.finish(to, werr)
				return
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				t.finish(from, nil)
			} else {
				t.finish(from, rerr)
			}
			return
		}
	}
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c when it supports it and closes it otherwise.
func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
