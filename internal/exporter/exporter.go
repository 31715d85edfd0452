// Package exporter is an independent broker consumer that transforms
// telemetry into bounded-cardinality Prometheus metric families.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/metrics"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

// Exporter consumes the telemetry topic under its own consumer group and
// serves /metrics.
type Exporter struct {
	cfg    Config
	logger zerolog.Logger

	client *kgo.Client
	fams   *families

	// Per-session (thread) turn tracking. Counts are flushed into the
	// histogram on session timeout or shutdown only.
	sessMu   sync.Mutex
	sessions map[string]*session

	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	turns    int
	lastSeen time.Time
}

// New builds the exporter, connects the consumer, and pre-registers the
// known model set.
func New(cfg Config, logger zerolog.Logger) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize(logger)

	resetOffset := kgo.NewOffset().AtEnd()
	if cfg.AutoOffsetReset == "earliest" {
		resetOffset = kgo.NewOffset().AtStart()
	}
	secOpts, err := cfg.Security.Options(logger)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(append(secOpts,
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.FetchMaxWait(500*time.Millisecond),
	)...)
	if err != nil {
		return nil, fmt.Errorf("create exporter consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		fams:     newFamilies(cfg),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Pre-register every known model so the first scrape is stable.
	for _, model := range KnownModels {
		e.fams.promptTokens.WithLabelValues(model)
		e.fams.completionTokens.WithLabelValues(model)
		e.fams.callCost.WithLabelValues(model)
		e.fams.quality.WithLabelValues(model)
	}
	return e, nil
}

// Start launches the consume loop, the session reaper, and the HTTP
// listener.
func (e *Exporter) Start() error {
	listener, err := net.Listen("tcp", e.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.instrumentedMetricsHandler())
	e.httpSrv = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	e.wg.Add(4)
	go func() {
		defer e.wg.Done()
		if err := e.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("Metrics HTTP serve error")
		}
	}()
	go e.consumeLoop()
	go e.sessionReaper()
	go e.lagMonitor()

	e.logger.Info().Str("addr", e.cfg.Addr()).Msg("Exporter listening")
	return nil
}

// Shutdown flushes open sessions and stops everything.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.cancel()
	e.client.Close()

	// Remaining sessions record their turn counts now.
	e.sessMu.Lock()
	for tid, sess := range e.sessions {
		e.fams.sessionTurns.Observe(float64(sess.turns))
		delete(e.sessions, tid)
	}
	e.sessMu.Unlock()

	err := e.httpSrv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// instrumentedMetricsHandler wraps the merged-registry handler with the
// encode-duration histogram for self-monitoring.
func (e *Exporter) instrumentedMetricsHandler() http.Handler {
	inner := metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		e.fams.endpointDuration.Observe(time.Since(start).Seconds())
	})
}

func (e *Exporter) consumeLoop() {
	defer e.wg.Done()

	scopes := make(map[wire.Scope]struct{}, len(e.cfg.Scopes))
	for _, s := range e.cfg.Scopes {
		scopes[wire.Scope(s)] = struct{}{}
	}

	for {
		if e.ctx.Err() != nil {
			return
		}
		fetches := e.client.PollFetches(e.ctx)
		if fetches.IsClientClosed() || errors.Is(fetches.Err0(), context.Canceled) {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, ferr := range errs {
				if errors.Is(ferr.Err, context.Canceled) {
					continue
				}
				e.fams.consumerErrors.Inc()
				e.logger.Error().
					Err(ferr.Err).
					Str("topic", ferr.Topic).
					Int32("partition", ferr.Partition).
					Msg("Exporter fetch error")
			}
		}
		fetches.EachRecord(func(record *kgo.Record) {
			e.processRecord(record, scopes)
		})
	}
}

func (e *Exporter) processRecord(record *kgo.Record, scopes map[wire.Scope]struct{}) {
	e.fams.messagesReceived.Inc()
	e.fams.lastEvent.SetToCurrentTime()

	msg, err := codec.Decode(record.Value, codec.MaxDecompressedBytes)
	if err != nil {
		kind := "parse_failed"
		var de *codec.DecodeError
		if errors.As(err, &de) {
			kind = string(de.Kind)
		}
		e.fams.messagesFailed.WithLabelValues(kind).Inc()
		return
	}
	e.transform(msg, scopes)
}

// transform applies one message (recursing into batches) to the metric
// families.
func (e *Exporter) transform(msg *wire.Message, scopes map[wire.Scope]struct{}) {
	if msg.Header.MessageID == "" || msg.Header.Sequence == "" {
		e.fams.missingHeader.Inc()
		return
	}

	if msg.Payload.Kind == wire.KindEventBatch && msg.Payload.EventBatch != nil {
		for i := range msg.Payload.EventBatch.Events {
			e.transform(&msg.Payload.EventBatch.Events[i], scopes)
		}
		return
	}

	if _, wanted := scopes[msg.Header.Scope]; !wanted {
		e.fams.wrongScope.Inc()
		return
	}

	switch msg.Payload.Kind {
	case wire.KindLlmCallCompleted:
		call := msg.Payload.LlmCallCompleted
		model := NormalizeModel(call.Model)
		e.fams.promptTokens.WithLabelValues(model).Observe(float64(call.PromptTokens))
		e.fams.completionTokens.WithLabelValues(model).Observe(float64(call.CompletionTokens))
		e.fams.callCost.WithLabelValues(model).Observe(call.CostUSD)
		e.touchSession(msg.Header.ThreadID)

	case wire.KindNodeEnd:
		ne := msg.Payload.NodeEnd
		outcome := "success"
		if !ne.Success {
			outcome = "failure"
		}
		e.fams.nodeDuration.WithLabelValues(outcome).Observe(float64(ne.DurationUs) / 1e6)

	case wire.KindGraphEnd:
		ge := msg.Payload.GraphEnd
		outcome := "success"
		if !ge.Success {
			outcome = "failure"
		}
		e.fams.graphRuns.WithLabelValues(outcome).Inc()

	case wire.KindGraphError:
		e.fams.graphRuns.WithLabelValues("error").Inc()

	case wire.KindOutcomeObserved:
		e.fams.outcomes.WithLabelValues(truncateTag(msg.Payload.OutcomeObserved.OutcomeTag)).Inc()

	case wire.KindMetrics:
		m := msg.Payload.Metrics
		// Per-model quality is a histogram: distribution matters, a gauge
		// would hide it.
		if q, ok := m.Values["quality"]; ok {
			model := NormalizeModel(m.Tags["model"])
			e.fams.quality.WithLabelValues(model).Observe(q)
		}
		e.fams.gaugesUpdated.SetToCurrentTime()
	}
}

func (e *Exporter) touchSession(threadID string) {
	if threadID == "" {
		return
	}
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	sess := e.sessions[threadID]
	if sess == nil {
		sess = &session{}
		e.sessions[threadID] = sess
	}
	sess.turns++
	sess.lastSeen = time.Now()
}

// sessionReaper flushes timed-out sessions into the turn histogram.
func (e *Exporter) sessionReaper() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SessionTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.SessionTimeout)
			e.sessMu.Lock()
			for tid, sess := range e.sessions {
				if sess.lastSeen.Before(cutoff) {
					e.fams.sessionTurns.Observe(float64(sess.turns))
					delete(e.sessions, tid)
				}
			}
			e.sessMu.Unlock()
		}
	}
}

// lagMonitor polls consumer-group lag on its own goroutine; the synchronous
// admin calls never block the consume loop.
func (e *Exporter) lagMonitor() {
	defer e.wg.Done()

	adm := kadm.NewClient(e.client)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
			lag, err := adm.Lag(ctx, e.cfg.ConsumerGroup)
			cancel()
			if err != nil {
				e.fams.consumerErrors.Inc()
				continue
			}
			lag.Each(func(gl kadm.DescribedGroupLag) {
				for _, ts := range gl.Lag {
					for _, pl := range ts {
						e.fams.consumerLag.WithLabelValues(strconv.FormatInt(int64(pl.Partition), 10)).Set(float64(pl.Lag))
					}
				}
			})
		}
	}
}

// truncateTag bounds free-form tag values.
func truncateTag(tag string) string {
	if tag == "" {
		return "unknown"
	}
	if len(tag) > 64 {
		return tag[:64]
	}
	return tag
}
