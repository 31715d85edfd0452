// Package forwarder is the long-lived fan-out service between the broker
// and UI/exporter clients: it consumes telemetry partitions, validates and
// persists frames, broadcasts them over WebSocket with per-cursor pairing,
// and drives resume/replay for reconnecting clients.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dashflow-ai/telemetry/internal/baseline"
	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/metrics"
	"github.com/dashflow-ai/telemetry/internal/replay"
)

// healthWindows are the 120-second sliding counters behind /health.
type healthWindows struct {
	messages     *metrics.SlidingWindow
	decodeErrors *metrics.SlidingWindow
	dropped      *metrics.SlidingWindow
	sendFailed   *metrics.SlidingWindow
	sendTimeout  *metrics.SlidingWindow
}

func newHealthWindows() *healthWindows {
	return &healthWindows{
		messages:     metrics.NewSlidingWindow(),
		decodeErrors: metrics.NewSlidingWindow(),
		dropped:      metrics.NewSlidingWindow(),
		sendFailed:   metrics.NewSlidingWindow(),
		sendTimeout:  metrics.NewSlidingWindow(),
	}
}

// Server wires the consumer, replay buffer, baseline store, and client
// fan-out together.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	buffer    *replay.Buffer
	baselines *baseline.Store
	consumer  *Consumer
	dlq       *DLQ

	listener net.Listener
	httpSrv  *http.Server

	clients      sync.Map // *Client → struct{}
	clientCount  atomic.Int64
	nextClientID atomic.Int64
	ipLimiter    *IPLimiter
	connRate     *ConnectionRateLimiter
	seqTracker   *SequenceTracker

	windows        *healthWindows
	payloadMissing atomic.Int64
	lastKafkaMsg   atomic.Int64 // unix seconds, 0 = never
	lastInfraError atomic.Int64

	startTime time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer validates config and builds all components. The consumer is
// created here but not started until Start.
func NewServer(cfg Config, buffer *replay.Buffer, baselines *baseline.Store, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize(logger)

	seqTracker, err := NewSequenceTracker(cfg.MaxTrackedThreads, logger)
	if err != nil {
		return nil, err
	}
	connRate, err := NewConnectionRateLimiter(cfg.ConnectRatePerIP, cfg.ConnectBurstPerIP)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		buffer:     buffer,
		baselines:  baselines,
		ipLimiter:  NewIPLimiter(cfg.MaxConnectionsPerIP),
		connRate:   connRate,
		seqTracker: seqTracker,
		windows:    newHealthWindows(),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.consumer, err = NewConsumer(cfg, s, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.dlq, err = NewDLQ(cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Start binds the listener and launches the consumer.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/expected-schema", s.handleBaselineList)
	mux.HandleFunc("/api/expected-schema/", s.handleBaseline)

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP serve error")
		}
	}()

	s.consumer.Start()

	s.logger.Info().
		Str("addr", s.cfg.Addr()).
		Msg("Forwarder listening")
	return nil
}

// Shutdown drains: stop accepting, stop the consumer, close clients, wait.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Forwarder shutting down")

	s.consumer.Stop()
	s.cancel()

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			c.setState(stateDraining)
			c.close("server_shutdown")
		}
		return true
	})

	err := s.httpSrv.Shutdown(ctx)
	s.dlq.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context expired before goroutines drained")
	}
	return err
}

func (s *Server) noteKafkaMessage() {
	s.lastKafkaMsg.Store(time.Now().Unix())
}

func (s *Server) noteInfraError() {
	s.lastInfraError.Store(time.Now().Unix())
}

// ConnectedClients is the single source of truth for both /health and
// /metrics.
func (s *Server) ConnectedClients() int64 {
	return s.clientCount.Load()
}

// broadcast pairs a cursor control frame with the binary payload and
// offers the pair to every streaming client. The payload slice is shared
// across subscribers; nothing downstream mutates it.
func (s *Server) broadcast(e replay.Entry) {
	cursor := marshalFrame(cursorFrame{
		Type:      "cursor",
		Partition: e.Partition,
		Offset:    strconv.FormatInt(e.Offset, 10),
		ThreadID:  e.ThreadID,
		Sequence:  e.Sequence,
	})
	out := outbound{control: cursor, binary: e.Payload}

	s.clients.Range(func(key, _ any) bool {
		c, ok := key.(*Client)
		if !ok {
			return true
		}
		if c.getState() != stateStreaming {
			return true
		}
		c.enqueue(out)
		return true
	})
}

// broadcastControl delivers a control-only frame to every live client.
func (s *Server) broadcastControl(v any) {
	data := marshalFrame(v)
	if data == nil {
		return
	}
	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			st := c.getState()
			if st == stateStreaming || st == stateResuming {
				c.enqueue(outbound{control: data})
			}
		}
		return true
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := ClientIP(r, s.cfg.TrustedProxyIPs)
	if !s.connRate.Allow(ip) {
		connectionsRejectedTotal.WithLabelValues("connect_rate").Inc()
		s.logger.Debug().
			Str("ip", ip).
			Float64("rate_per_sec", s.cfg.ConnectRatePerIP).
			Msg("Connection rejected by per-IP connect rate")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.ipLimiter.Acquire(ip) {
		connectionsRejectedTotal.WithLabelValues("per_ip_limit").Inc()
		s.logger.Debug().
			Str("ip", ip).
			Int("limit", s.cfg.MaxConnectionsPerIP).
			Msg("Connection rejected by per-IP limit")
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.ipLimiter.Release(ip)
		connectionsRejectedTotal.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s.nextClientID.Add(1), conn, ip, s)
	s.clients.Store(client, struct{}{})
	connectionsActive.Set(float64(s.clientCount.Add(1)))
	connectionsTotal.Inc()

	// Handshake: the schema frame goes out before anything else so the
	// client can pin its expected version and caps for this connection.
	client.sendControl(schemaFrame{
		Type:                  "schema",
		ExpectedSchemaVersion: codec.ExpectedSchemaVersion,
		MaxPayloadBytes:       s.cfg.MaxPayloadBytes,
		MaxDecompressedBytes:  codec.MaxDecompressedBytes,
	})
	client.setState(stateStreaming)

	s.logger.Info().
		Int64("client_id", client.id).
		Str("ip", ip).
		Msg("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

func (s *Server) removeClient(c *Client, reason string) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	s.ipLimiter.Release(c.ip)
	connectionsActive.Set(float64(s.clientCount.Add(-1)))
	s.logger.Info().
		Int64("client_id", c.id).
		Str("reason", reason).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// handleControlFrame dispatches client → server JSON.
func (s *Server) handleControlFrame(c *Client, data []byte) {
	var ctrl clientControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		resumeParseFailuresTotal.Inc()
		s.logger.Warn().Int64("client_id", c.id).Err(err).Msg("Invalid control frame")
		return
	}
	switch ctrl.Type {
	case "resume":
		c.resumeMu.Lock()
		defer c.resumeMu.Unlock()
		c.setState(stateResuming)
		s.handleResume(c, data)
		c.setState(stateStreaming)
	case "cursor_reset":
		s.handleCursorReset(c)
	case "ping":
		c.sendControl(pingFrame{Type: "pong", Ts: time.Now().UnixMilli()})
	default:
		s.logger.Warn().
			Int64("client_id", c.id).
			Str("message_type", ctrl.Type).
			Msg("Unknown control frame type")
	}
}

// handleCursorReset answers a cursor reset with a bounded map of each known
// partition's oldest retained offset; the client clears its own cursors
// when the reply arrives.
func (s *Server) handleCursorReset(c *Client) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	partitions, err := s.buffer.KnownPartitions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cursor reset: partition listing failed")
	}
	const maxPartitionsInReply = 256
	m := make(map[string]string, len(partitions))
	for i, p := range partitions {
		if i >= maxPartitionsInReply {
			break
		}
		if oldest, ok := s.buffer.OldestOffset(ctx, p); ok {
			m[strconv.FormatInt(int64(p), 10)] = strconv.FormatInt(oldest, 10)
		}
	}
	c.setState(stateResuming)
	c.sendControl(cursorResetCompleteFrame{Type: "cursor_reset_complete", Partitions: m})
	c.setState(stateStreaming)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schemaVersion":        codec.ExpectedSchemaVersion,
		"maxPayloadBytes":      s.cfg.MaxPayloadBytes,
		"maxDecompressedBytes": codec.MaxDecompressedBytes,
		"instanceId":           metrics.InstanceID(),
	})
}

// handleBaselineList serves GET /api/expected-schema with pagination.
func (s *Server) handleBaselineList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntParam(r, "limit", baseline.DefaultListLimit)
	offset := parseIntParam(r, "offset", 0)
	names, err := s.baselines.List(offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": names, "limit": limit, "offset": offset})
}

// handleBaseline serves /api/expected-schema/{graph} and
// /api/expected-schema/{graph}/history.
func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/expected-schema/")
	graph, sub, _ := strings.Cut(rest, "/")
	if graph == "" {
		http.Error(w, "graph name required", http.StatusBadRequest)
		return
	}

	if sub == "history" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entries, err := s.baselines.History(graph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"graph": baseline.SanitizeGraphName(graph), "history": entries})
		return
	}
	if sub != "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := s.baselines.Get(graph)
		if errors.Is(err, baseline.ErrNotFound) {
			http.Error(w, "no baseline for graph", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req struct {
			SchemaID   string          `json:"schemaId"`
			SchemaJSON json.RawMessage `json:"schemaJson"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.SchemaID == "" {
			http.Error(w, "schemaId is required", http.StatusBadRequest)
			return
		}
		// The write is awaited: the 200 means the baseline is durable.
		b, err := s.baselines.Put(graph, req.SchemaID, req.SchemaJSON)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.broadcastControl(baselineEventFrame{
			Type:     "schema_baseline_event",
			Graph:    b.Graph,
			SchemaID: b.SchemaID,
			Schema:   b.SchemaJSON,
		})
		writeJSON(w, http.StatusOK, b)

	case http.MethodDelete:
		if err := s.baselines.Delete(graph); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.broadcastControl(baselineEventFrame{
			Type:    "schema_baseline_event",
			Graph:   baseline.SanitizeGraphName(graph),
			Deleted: true,
		})
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// publishDLQ forwards a compact failure envelope to the DLQ topic.
func (s *Server) publishDLQ(record *kgo.Record, errorKind string) {
	if s.dlq != nil {
		s.dlq.Publish(record, errorKind)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
