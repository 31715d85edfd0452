package forwarder

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

// connState is the per-connection lifecycle.
type connState int32

const (
	stateHandshaking connState = iota
	stateResuming
	stateStreaming
	stateDraining
	stateClosed
)

// outbound is one delivery unit: an optional control frame followed by an
// optional binary frame. A live frame carries both so the cursor↔binary
// pairing is atomic from the write pump's point of view; the payload slice
// is shared across all subscribers and never mutated.
type outbound struct {
	control []byte
	binary  []byte
}

// Client is one WebSocket connection.
type Client struct {
	id     int64
	conn   net.Conn
	server *Server
	ip     string

	send      chan outbound
	closeOnce sync.Once
	state     atomic.Int32

	// Windowed send-timeout lag for slow-client disconnect decisions,
	// spanning SLOW_CLIENT_LAG_WINDOW_SECS. One timeout is tolerable;
	// sustained lag inside the window is not.
	lagWindow *metrics.SlidingWindow

	// resumeMu serializes replay runs for this connection.
	resumeMu sync.Mutex

	connectedAt time.Time
}

func newClient(id int64, conn net.Conn, ip string, server *Server) *Client {
	c := &Client{
		id:          id,
		conn:        conn,
		server:      server,
		ip:          ip,
		send:        make(chan outbound, server.cfg.ClientSendBufferSize),
		lagWindow:   metrics.NewSlidingWindowSpan(server.cfg.SlowClientLagWindow),
		connectedAt: time.Now(),
	}
	c.state.Store(int32(stateHandshaking))
	return c
}

func (c *Client) setState(s connState) { c.state.Store(int32(s)) }
func (c *Client) getState() connState  { return connState(c.state.Load()) }

// enqueue offers a delivery unit without blocking the broadcast path.
// Returns false when the client's buffer is full.
func (c *Client) enqueue(out outbound) bool {
	select {
	case c.send <- out:
		return true
	default:
		droppedMessagesTotal.Inc()
		c.server.windows.dropped.Inc()
		return false
	}
}

// enqueueBlocking is the replay path: replays are paced by the sender and
// may wait for buffer space, bounded by the replay deadline.
func (c *Client) enqueueBlocking(out outbound, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case c.send <- out:
		return true
	case <-timer.C:
		return false
	}
}

// sendControl marshals and offers one JSON control frame.
func (c *Client) sendControl(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(outbound{control: data})
}

// writePump is the only goroutine writing to the socket. A control+binary
// pair is written back to back so the client always receives the cursor
// immediately before its frame.
func (c *Client) writePump() {
	defer c.close("write_pump_exit")

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				return
			}
			if out.control != nil {
				if !c.writeFrame(ws.OpText, out.control) {
					return
				}
			}
			if out.binary != nil {
				if !c.writeFrame(ws.OpBinary, out.binary) {
					return
				}
			}
		case <-c.server.ctx.Done():
			c.setState(stateDraining)
			return
		}
	}
}

// writeFrame writes one frame. The return value is whether the connection
// should stay up: a send timeout is survivable until the windowed lag
// crosses the slow-client threshold; any other write error is fatal.
func (c *Client) writeFrame(op ws.OpCode, data []byte) bool {
	deadline := time.Now().Add(c.server.cfg.SendTimeout)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		sendFailedTotal.Inc()
		c.server.windows.sendFailed.Inc()
		return false
	}
	err := wsutil.WriteServerMessage(c.conn, op, data)
	if err == nil {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		sendTimeoutTotal.Inc()
		c.server.windows.sendTimeout.Inc()
		c.lagWindow.Inc()
		if c.lagWindow.Sum() >= c.server.cfg.SlowClientThreshold {
			slowClientsDisconnectedTotal.Inc()
			c.server.logger.Warn().
				Int64("client_id", c.id).
				Int64("timeouts_in_window", c.lagWindow.Sum()).
				Msg("Disconnecting slow client")
			return false
		}
		return true
	}
	sendFailedTotal.Inc()
	c.server.windows.sendFailed.Inc()
	return false
}

// readPump handles inbound control JSON until the peer goes away.
func (c *Client) readPump() {
	defer c.close("read_pump_exit")

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText:
			c.server.handleControlFrame(c, data)
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(c.conn, ws.OpPong, nil)
		case ws.OpClose:
			return
		}
	}
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		c.server.removeClient(c, reason)
		_ = c.conn.Close()
	})
}
