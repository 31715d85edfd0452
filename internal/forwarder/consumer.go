package forwarder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/replay"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

// Consumer subscribes to the telemetry topic, validates and persists
// frames, and hands them to the server's broadcast path. Offsets are
// committed manually, next-record style, and never advance past a failed
// frame under the pause policy.
type Consumer struct {
	cfg    Config
	logger zerolog.Logger
	server *Server

	client *kgo.Client
	adm    *kadm.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sessionHeads are the partition high watermarks captured at startup.
	// Frames below the head are catch-up ("old data") and excluded from the
	// windowed decode error rate.
	headMu       sync.RWMutex
	sessionHeads map[int32]int64

	pauseMu sync.Mutex
	paused  map[int32]struct{}

	// consumeRate caps broker consumption as backpressure: waiting in the
	// poll loop slows fetches without dropping records or breaking the
	// per-thread order the commit discipline depends on. Nil = unlimited.
	consumeRate *rate.Limiter
}

// NewConsumer connects the group consumer and captures session heads.
func NewConsumer(cfg Config, server *Server, logger zerolog.Logger) (*Consumer, error) {
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
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(int32(cfg.MaxPayloadBytes)+1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:          cfg,
		logger:       logger,
		server:       server,
		client:       client,
		adm:          kadm.NewClient(client),
		ctx:          ctx,
		cancel:       cancel,
		sessionHeads: make(map[int32]int64),
		paused:       make(map[int32]struct{}),
	}
	if cfg.MaxConsumeRate > 0 {
		c.consumeRate = rate.NewLimiter(rate.Limit(cfg.MaxConsumeRate), cfg.MaxConsumeRate)
	}
	c.captureSessionHeads()
	return c, nil
}

// captureSessionHeads records the high watermark per partition at startup.
func (c *Consumer) captureSessionHeads() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	ends, err := c.adm.ListEndOffsets(ctx, c.cfg.Topic)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to capture session heads - catch-up classification disabled")
		return
	}
	c.headMu.Lock()
	defer c.headMu.Unlock()
	ends.Each(func(o kadm.ListedOffset) {
		c.sessionHeads[o.Partition] = o.Offset
	})
}

func (c *Consumer) isCatchUp(partition int32, offset int64) bool {
	c.headMu.RLock()
	defer c.headMu.RUnlock()
	head, ok := c.sessionHeads[partition]
	return ok && offset < head
}

// Start launches the consume loop and the lag monitor. Lag polling runs on
// its own goroutine with blocking admin calls so the consume loop is never
// stalled behind broker metadata.
func (c *Consumer) Start() {
	c.wg.Add(2)
	go c.consumeLoop()
	go c.lagMonitor()
}

// Stop cancels, waits, and closes the client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || errors.Is(fetches.Err0(), context.Canceled) {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					continue
				}
				c.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("Fetch error")
				c.server.noteInfraError()
			}
		}
		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

// processRecord validates one record end to end: payload presence, size
// before allocation, decode, sequence check, replay persistence, and
// broadcast. Offset commit semantics follow the decode-error policy.
func (c *Consumer) processRecord(record *kgo.Record) {
	if c.isPaused(record.Partition) {
		return
	}
	if c.consumeRate != nil && !c.consumeRate.Allow() {
		kafkaThrottledTotal.Inc()
		if err := c.consumeRate.Wait(c.ctx); err != nil {
			return
		}
	}

	// Denominator first: every received record counts, including ones the
	// size gate rejects, so the decode error rate is honest.
	messagesReceivedTotal.Inc()
	c.server.noteKafkaMessage()
	catchUp := c.isCatchUp(record.Partition, record.Offset)
	if !catchUp {
		c.server.windows.messages.Inc()
	}

	if len(record.Value) == 0 {
		payloadMissingTotal.Inc()
		c.server.payloadMissing.Add(1)
		kafkaMessagesTotal.WithLabelValues("payload_missing").Inc()
		c.onDecodeFailure(record, codec.ErrPayloadMissing, catchUp)
		return
	}

	// Size bound before any decode allocation.
	if len(record.Value) > c.cfg.MaxPayloadBytes {
		kafkaMessagesTotal.WithLabelValues("payload_too_large").Inc()
		c.onDecodeFailure(record, codec.ErrPayloadTooLarge, catchUp)
		return
	}

	msg, err := codec.Decode(record.Value, codec.MaxDecompressedBytes)
	if err != nil {
		kind := codec.ErrParseFailed
		var de *codec.DecodeError
		if errors.As(err, &de) {
			kind = de.Kind
		}
		kafkaMessagesTotal.WithLabelValues(string(kind)).Inc()
		c.logger.Warn().
			Err(err).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("Frame decode failed")
		c.server.publishDLQ(record, string(kind))
		c.onDecodeFailure(record, kind, catchUp)
		return
	}

	if msg.Payload.Kind == wire.KindEventBatch && msg.Payload.EventBatch != nil {
		mixed := false
		for i := range msg.Payload.EventBatch.Events {
			inner := &msg.Payload.EventBatch.Events[i]
			if !mixed && inner.Header.ThreadID != msg.Header.ThreadID {
				mixed = true
				batchMixedThreadTotal.Inc()
				c.logger.Warn().
					Str("batch_thread", msg.Header.ThreadID).
					Str("inner_thread", inner.Header.ThreadID).
					Int32("partition", record.Partition).
					Int64("offset", record.Offset).
					Msg("Event batch mixes thread IDs")
			}
			// The outer batch header is synthetic; ordering lives on the
			// inner events.
			c.observeSequence(inner.Header.ThreadID, inner.Header.Sequence)
		}
	} else {
		c.observeSequence(msg.Header.ThreadID, msg.Header.Sequence)
	}

	entry := replay.Entry{
		Partition: record.Partition,
		Offset:    record.Offset,
		ThreadID:  msg.Header.ThreadID,
		Sequence:  msg.Header.Sequence,
		Payload:   record.Value,
	}
	c.server.buffer.Append(entry)

	kafkaMessagesTotal.WithLabelValues("ok").Inc()
	c.server.broadcast(entry)
	c.commit(record)
}

// observeSequence meters per-thread monotonicity; never fatal.
func (c *Consumer) observeSequence(threadID, sequence string) {
	verdict, gap := c.server.seqTracker.Observe(threadID, sequence)
	switch verdict {
	case SeqGap:
		sequenceGapsTotal.Inc()
		sequenceGapMessagesTotal.Add(float64(gap))
		c.logger.Warn().
			Str("thread_id", threadID).
			Str("sequence", sequence).
			Int64("gap", gap).
			Msg("Sequence gap observed")
	case SeqDuplicate:
		sequenceDuplicatesTotal.Inc()
	}
}

// onDecodeFailure applies the decode-error policy. Catch-up frames never
// feed the windowed error rate; under pause, no offset advances past the
// failure for any reason, including payload_too_large and payload_missing.
func (c *Consumer) onDecodeFailure(record *kgo.Record, kind codec.DecodeErrorKind, catchUp bool) {
	if !catchUp {
		c.server.windows.decodeErrors.Inc()
	}
	if c.cfg.OnDecodeError == OnDecodeErrorPause {
		c.pausePartition(record.Partition, record.Offset, kind)
		return
	}
	c.commit(record)
}

// commit records offset+1, the next record to read. franz-go's
// CommitRecords already commits record offset + 1.
func (c *Consumer) commit(record *kgo.Record) {
	if err := c.client.CommitRecords(c.ctx, record); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().
			Err(err).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("Offset commit failed")
		c.server.noteInfraError()
	}
}

func (c *Consumer) isPaused(partition int32) bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	_, ok := c.paused[partition]
	return ok
}

// pausePartition halts consumption of one partition so an operator can
// inspect the corruption before anything advances past it.
func (c *Consumer) pausePartition(partition int32, offset int64, kind codec.DecodeErrorKind) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if _, already := c.paused[partition]; already {
		return
	}
	c.paused[partition] = struct{}{}
	pausedPartitions.Set(float64(len(c.paused)))
	c.client.PauseFetchPartitions(map[string][]int32{c.cfg.Topic: {partition}})
	c.logger.Error().
		Int32("partition", partition).
		Int64("offset", offset).
		Str("error_kind", string(kind)).
		Msg("Partition paused by decode-error policy - offsets held")
}

// lagMonitor polls consumer lag on a dedicated goroutine. Admin calls are
// synchronous; keeping them off the consume loop keeps polling cadence
// intact.
func (c *Consumer) lagMonitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LagCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pollLag()
		}
	}
}

func (c *Consumer) pollLag() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	lag, err := c.adm.Lag(ctx, c.cfg.ConsumerGroup)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Lag poll failed")
		c.server.noteInfraError()
		return
	}
	lag.Each(func(gl kadm.DescribedGroupLag) {
		for _, ts := range gl.Lag {
			for _, pl := range ts {
				consumerLag.WithLabelValues(strconv.FormatInt(int64(pl.Partition), 10)).Set(float64(pl.Lag))
			}
		}
	})
}
