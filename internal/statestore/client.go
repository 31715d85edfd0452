package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/codec"
)

// ClientOptions tune the forwarder connection.
type ClientOptions struct {
	URL     string
	Store   *Store
	Cursors CursorStore
	Logger  zerolog.Logger

	// MaxPendingBinary bounds the decode/apply queue; a breach forces a
	// reconnect rather than unbounded memory growth.
	MaxPendingBinary int
	DecodeTimeout    time.Duration
	MaxReconnects    int
	ResumeMode       string
	ResumeFrom       string
}

func (o *ClientOptions) withDefaults() {
	if o.MaxPendingBinary <= 0 {
		o.MaxPendingBinary = 512
	}
	if o.DecodeTimeout <= 0 {
		o.DecodeTimeout = 30 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 10
	}
	if o.ResumeMode == "" {
		o.ResumeMode = "auto"
	}
	if o.ResumeFrom == "" {
		o.ResumeFrom = "cursor"
	}
}

type cursorInfo struct {
	Partition int32
	Offset    string
	ThreadID  string
	Sequence  string
}

type pendingFrame struct {
	epoch      int64
	cursor     *cursorInfo
	data       []byte
	enqueuedAt time.Time // monotonic; apply-lag metrics survive wall-clock jumps
}

// Client maintains the WebSocket to the forwarder, drives resume on
// connect, and feeds decoded frames into the store with strict FIFO apply
// and monotonic cursor commits. Every reconnect bumps the epoch; in-flight
// work from older epochs is discarded at both the decode and apply steps.
type Client struct {
	opts  ClientOptions
	store *Store

	epoch atomic.Int64

	connMu sync.Mutex
	conn   net.Conn

	pending chan pendingFrame
	worker  *decodeWorker

	commitMu sync.Mutex
	cursors  Cursors

	disconnected atomic.Bool // exhausted reconnects; UI shows "no live data"
	closed       atomic.Bool
	wg           sync.WaitGroup
}

// NewClient wires the store's corruption callback to epoch-bumping
// reconnects.
func NewClient(opts ClientOptions) (*Client, error) {
	opts.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Cursors == nil {
		opts.Cursors = NewMemoryCursorStore()
	}

	cursors, err := opts.Cursors.Load()
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		store:   opts.Store,
		pending: make(chan pendingFrame, opts.MaxPendingBinary),
		worker:  newDecodeWorker(opts.Logger),
		cursors: cursors,
	}
	opts.Store.opts.OnCorruption = func(runID string, details CorruptionDetails) {
		opts.Logger.Error().
			Str("run_id", runID).
			Str("reason", details.Reason).
			Msg("Corruption detected - forcing reconnect")
		c.forceReconnect()
	}
	return c, nil
}

// Disconnected reports whether the client gave up reconnecting.
func (c *Client) Disconnected() bool { return c.disconnected.Load() }

// Run connects and keeps the session alive until ctx ends. Reconnects use
// exponential backoff with ±30% jitter, 1s to 30s, capped attempts.
func (c *Client) Run(ctx context.Context) error {
	c.wg.Add(1)
	go c.applyLoop(ctx)
	defer func() {
		c.closed.Store(true)
		c.closeConn()
		c.wg.Wait()
		c.worker.stop()
	}()

	attempts := 0
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean close from our side.
			return nil
		}
		attempts++
		if attempts > c.opts.MaxReconnects {
			c.disconnected.Store(true)
			c.opts.Logger.Error().
				Int("attempts", attempts-1).
				Msg("Reconnect attempts exhausted - live data unavailable")
			return err
		}
		jitter := 1 + (rand.Float64()*0.6 - 0.3)
		sleep := time.Duration(float64(backoff) * jitter)
		c.opts.Logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", sleep).
			Msg("Connection lost - reconnecting")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection epoch: dial, resume, read until failure.
func (c *Client) session(ctx context.Context) error {
	epoch := c.epoch.Add(1)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, _, err := ws.Dial(dialCtx, c.opts.URL)
	cancel()
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConn()

	if err := c.sendResume(conn); err != nil {
		return err
	}

	var lastCursor *cursorInfo
	for {
		if c.epoch.Load() != epoch {
			return errors.New("epoch bumped")
		}
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return err
		}
		switch op {
		case ws.OpText:
			lastCursor = c.handleControl(conn, data, lastCursor)
		case ws.OpBinary:
			if lastCursor == nil {
				// Binary without its paired cursor: the stream is desynced;
				// abort and reconnect rather than guess positions.
				c.opts.Logger.Error().Msg("Binary frame without cursor - protocol desync")
				return errors.New("cursor/binary desync")
			}
			pf := pendingFrame{epoch: epoch, cursor: lastCursor, data: data, enqueuedAt: time.Now()}
			lastCursor = nil
			select {
			case c.pending <- pf:
			default:
				// Queue breach: reconnecting resets position to the last
				// committed cursor, which is exactly what we can afford to
				// re-apply.
				c.opts.Logger.Warn().
					Int("max_pending", c.opts.MaxPendingBinary).
					Msg("Pending apply queue full - forcing reconnect")
				return errors.New("pending queue breach")
			}
		case ws.OpClose:
			return errors.New("server closed connection")
		}
	}
}

// handleControl processes one server JSON frame and returns the updated
// pending cursor.
func (c *Client) handleControl(conn net.Conn, data []byte, lastCursor *cursorInfo) *cursorInfo {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		c.opts.Logger.Warn().Err(err).Msg("Unparseable control frame")
		return lastCursor
	}

	switch base.Type {
	case "schema":
		var frame struct {
			ExpectedSchemaVersion uint32 `json:"expectedSchemaVersion"`
		}
		if err := json.Unmarshal(data, &frame); err == nil {
			if frame.ExpectedSchemaVersion != codec.ExpectedSchemaVersion {
				c.opts.Logger.Error().
					Uint32("server_version", frame.ExpectedSchemaVersion).
					Uint32("client_version", codec.ExpectedSchemaVersion).
					Msg("Schema version mismatch - payload application stopped")
				c.store.SetSchemaMismatch(true)
			} else {
				c.store.SetSchemaMismatch(false)
			}
		}
	case "cursor":
		var frame struct {
			Partition int32  `json:"partition"`
			Offset    string `json:"offset"`
			ThreadID  string `json:"threadId"`
			Sequence  string `json:"sequence"`
		}
		if err := json.Unmarshal(data, &frame); err == nil {
			return &cursorInfo{
				Partition: frame.Partition,
				Offset:    frame.Offset,
				ThreadID:  frame.ThreadID,
				Sequence:  frame.Sequence,
			}
		}
	case "replay_complete":
		var frame struct {
			TotalReplayed int   `json:"totalReplayed"`
			Capped        bool  `json:"capped"`
			DurationMs    int64 `json:"durationMs"`
		}
		if err := json.Unmarshal(data, &frame); err == nil {
			c.opts.Logger.Info().
				Int("total_replayed", frame.TotalReplayed).
				Bool("capped", frame.Capped).
				Int64("duration_ms", frame.DurationMs).
				Msg("Replay complete")
		}
	case "cursor_stale":
		c.opts.Logger.Warn().RawJSON("frame", data).Msg("Cursor stale - marking active runs for resync")
		c.store.MarkActiveRunsNeedsResync()
	case "cursor_reset_complete":
		c.commitMu.Lock()
		c.cursors = newCursors()
		_ = c.opts.Cursors.Save(c.cursors)
		c.commitMu.Unlock()
	case "ping":
		pong, _ := json.Marshal(map[string]any{"type": "pong"})
		_ = wsutil.WriteClientMessage(conn, ws.OpText, pong)
	case "pong", "schema_baseline_event":
		// Baseline events refresh drift badges at the UI layer.
	default:
		c.opts.Logger.Debug().Str("type", base.Type).Msg("Unhandled control frame")
	}
	return lastCursor
}

// sendResume issues the resume request from persisted cursors, merged with
// whatever the store itself applied this session.
func (c *Client) sendResume(conn net.Conn) error {
	c.commitMu.Lock()
	seqs := make(map[string]string, len(c.cursors.SequencesByThread))
	for tid, seq := range c.cursors.SequencesByThread {
		seqs[tid] = seq
	}
	offsets := make(map[string]string, len(c.cursors.OffsetsByPartition))
	for p, off := range c.cursors.OffsetsByPartition {
		offsets[p] = off
	}
	c.commitMu.Unlock()

	for tid, seq := range c.store.LastSequences() {
		cur, exists := seqs[tid]
		if !exists {
			seqs[tid] = seq
			continue
		}
		if cmp, err := codec.CompareSequences(seq, cur); err == nil && cmp > 0 {
			seqs[tid] = seq
		}
	}

	req := map[string]any{
		"type": "resume",
		"mode": c.opts.ResumeMode,
		"from": c.opts.ResumeFrom,
	}
	if len(offsets) > 0 {
		req["lastOffsetsByPartition"] = offsets
	}
	if len(seqs) > 0 {
		req["lastSequencesByThread"] = seqs
	}
	if len(offsets) == 0 && len(seqs) == 0 && c.opts.ResumeFrom == "cursor" {
		req["from"] = "latest"
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// applyLoop is the single consumer of pending frames: decode (epoch
// checked before), ingest (epoch checked again), then commit the paired
// cursor only if the apply succeeded.
func (c *Client) applyLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pf := <-c.pending:
			if c.closed.Load() {
				return
			}
			if pf.epoch != c.epoch.Load() {
				continue // stale epoch, discard before decode
			}
			msg, err := c.worker.decode(pf.data, c.opts.DecodeTimeout)
			if err != nil {
				c.handleDecodeError(err)
				continue
			}
			if pf.epoch != c.epoch.Load() {
				continue // stale epoch, discard before apply
			}
			res := c.store.Ingest(msg)
			applyLag := time.Since(pf.enqueuedAt)
			if applyLag > 5*time.Second {
				c.opts.Logger.Warn().
					Dur("apply_lag", applyLag).
					Msg("Apply lag exceeds five seconds")
			}
			if res.Err != nil {
				c.opts.Logger.Warn().Err(res.Err).Str("run_id", res.RunID).Msg("Frame apply issue")
			}
			if res.Committed {
				c.commitCursor(pf.cursor)
			}
		}
	}
}

func (c *Client) handleDecodeError(err error) {
	var de *codec.DecodeError
	if errors.As(err, &de) && de.Kind == codec.ErrVersionMismatch {
		c.store.SetSchemaMismatch(true)
		return
	}
	c.opts.Logger.Warn().Err(err).Msg("Frame decode failed")
}

// commitCursor persists the applied position. Commits are monotonic per
// partition and per thread: a replayed frame can never move a cursor
// backwards.
func (c *Client) commitCursor(cur *cursorInfo) {
	if cur == nil {
		return
	}
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	pKey := partitionKey(cur.Partition)
	if codec.ValidSequence(cur.Offset) {
		prev, exists := c.cursors.OffsetsByPartition[pKey]
		if !exists {
			c.cursors.OffsetsByPartition[pKey] = cur.Offset
		} else if cmp, err := codec.CompareSequences(cur.Offset, prev); err == nil && cmp > 0 {
			c.cursors.OffsetsByPartition[pKey] = cur.Offset
		}
	}
	if cur.ThreadID != "" && codec.ValidSequence(cur.Sequence) && !codec.IsSyntheticSequence(cur.Sequence) {
		prev, exists := c.cursors.SequencesByThread[cur.ThreadID]
		if !exists {
			c.cursors.SequencesByThread[cur.ThreadID] = codec.CanonicalSequence(cur.Sequence)
		} else if cmp, err := codec.CompareSequences(cur.Sequence, prev); err == nil && cmp > 0 {
			c.cursors.SequencesByThread[cur.ThreadID] = codec.CanonicalSequence(cur.Sequence)
		}
	}
	if err := c.opts.Cursors.Save(c.cursors); err != nil {
		c.opts.Logger.Warn().Err(err).Msg("Cursor persist failed")
	}
}

// forceReconnect bumps the epoch and closes the socket with a protocol
// error close code; Run's loop dials again.
func (c *Client) forceReconnect() {
	c.epoch.Add(1)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		body := ws.NewCloseFrameBody(ws.StatusProtocolError, "state corrupted")
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
		_ = conn.Close()
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func partitionKey(p int32) string {
	return strconv.FormatInt(int64(p), 10)
}
