package forwarder

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/replay"
)

// Resume request validation and replay driving. Invalid individual fields
// are logged and dropped; only an unparseable request is rejected outright.

var validResumeModes = map[string]struct{}{"partition": {}, "thread": {}, "auto": {}}
var validResumeFrom = map[string]struct{}{"latest": {}, "cursor": {}, "earliest": {}}

var knownResumeFields = map[string]struct{}{
	"type": {}, "mode": {}, "from": {},
	"lastOffsetsByPartition": {}, "lastSequencesByThread": {}, "threadId": {},
}

// handleResume validates and executes one resume request. The client stays
// in Resuming until the replay completes; frames broadcast live during the
// replay are dropped for this client rather than interleaved out of order.
func (s *Server) handleResume(c *Client, raw []byte) {
	// Surface unknown fields individually before typed parsing.
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		resumeParseFailuresTotal.Inc()
		s.logger.Warn().Int64("client_id", c.id).Err(err).Msg("Resume request unparseable")
		return
	}
	for field := range generic {
		if _, known := knownResumeFields[field]; !known {
			s.logger.Warn().
				Int64("client_id", c.id).
				Str("field", field).
				Msg("Unknown resume field dropped")
		}
	}

	var req clientControl
	if err := json.Unmarshal(raw, &req); err != nil {
		resumeParseFailuresTotal.Inc()
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}
	if _, ok := validResumeModes[mode]; !ok {
		s.logger.Warn().Int64("client_id", c.id).Str("mode", mode).Msg("Invalid resume mode")
		resumeParseFailuresTotal.Inc()
		return
	}
	from := req.From
	if from == "" {
		from = "latest"
	}
	if _, ok := validResumeFrom[from]; !ok {
		s.logger.Warn().Int64("client_id", c.id).Str("from", from).Msg("Invalid resume from")
		resumeParseFailuresTotal.Inc()
		return
	}

	if mode == "auto" {
		if req.ThreadID != "" || len(req.LastSequencesByThread) > 0 {
			mode = "thread"
		} else {
			mode = "partition"
		}
	}
	replayRequestsTotal.WithLabelValues(mode).Inc()

	start := time.Now()
	deadline := start.Add(s.cfg.ReplayTimeout)
	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	var total int
	var capped bool
	switch mode {
	case "partition":
		total, capped = s.replayPartitions(ctx, c, from, req.LastOffsetsByPartition, deadline)
	case "thread":
		total, capped = s.replayThreads(ctx, c, from, req, deadline)
	}

	// replay_complete terminates both modes symmetrically.
	c.sendControl(replayCompleteFrame{
		Type:          "replay_complete",
		TotalReplayed: total,
		Capped:        capped,
		DurationMs:    time.Since(start).Milliseconds(),
	})
	s.logger.Info().
		Int64("client_id", c.id).
		Str("mode", mode).
		Str("from", from).
		Int("total_replayed", total).
		Bool("capped", capped).
		Msg("Replay completed")
}

// parseResumeOffsets validates a partition→offset map. Partitions must be
// non-negative integers and offsets non-negative decimal strings; each
// invalid entry is dropped individually with a log line.
func (s *Server) parseResumeOffsets(c *Client, raw map[string]string) map[int32]int64 {
	out := make(map[int32]int64, len(raw))
	for pStr, offStr := range raw {
		p, err := strconv.ParseInt(pStr, 10, 32)
		if err != nil || p < 0 {
			s.logger.Warn().Int64("client_id", c.id).Str("partition", pStr).Msg("Invalid resume partition dropped")
			continue
		}
		if !codec.ValidSequence(offStr) {
			s.logger.Warn().Int64("client_id", c.id).Str("offset", offStr).Msg("Invalid resume offset dropped")
			continue
		}
		off, err := strconv.ParseInt(codec.CanonicalSequence(offStr), 10, 64)
		if err != nil || off < 0 {
			s.logger.Warn().Int64("client_id", c.id).Str("offset", offStr).Msg("Resume offset out of range dropped")
			continue
		}
		out[int32(p)] = off
	}
	return out
}

// replayPartitions drives partition-mode catch-up and returns the frame
// count and whether the budget capped it.
func (s *Server) replayPartitions(ctx context.Context, c *Client, from string, rawOffsets map[string]string, deadline time.Time) (int, bool) {
	starts := make(map[int32]int64)

	switch from {
	case "latest":
		// Nothing to replay; the live stream picks up from the watermark.
		return 0, false
	case "earliest":
		partitions, err := s.buffer.KnownPartitions(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Replay: partition listing failed")
			return 0, false
		}
		for _, p := range partitions {
			starts[p] = 0
		}
	case "cursor":
		committed := s.parseResumeOffsets(c, rawOffsets)
		for p, off := range committed {
			// The stored cursor is the last applied offset; resume from the
			// next one.
			starts[p] = off + 1
		}
	}
	if len(starts) == 0 {
		return 0, false
	}

	// Cursor-stale detection: offset 0 is a valid position, so the check is
	// strictly-below-oldest, never <=.
	for p, want := range starts {
		oldest, ok := s.buffer.OldestOffset(ctx, p)
		if !ok {
			continue
		}
		if want < oldest {
			cursorStaleTotal.Inc()
			c.sendControl(cursorStaleFrame{
				Type:                  "cursor_stale",
				Partition:             strconv.FormatInt(int64(p), 10),
				RequestedOffset:       strconv.FormatInt(want, 10),
				OldestAvailableOffset: strconv.FormatInt(oldest, 10),
			})
			starts[p] = oldest
		}
	}

	entries, capped, err := s.buffer.FetchPartitionRange(ctx, starts, s.cfg.ReplayMaxTotal, s.cfg.ReplayTimeout)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Replay fetch failed")
		return 0, capped
	}
	return s.deliverReplay(c, entries, deadline), capped
}

// replayThreads drives thread-mode catch-up: per-partition FIFO within
// each thread, cursor frames included so the client can commit offsets as
// it applies.
func (s *Server) replayThreads(ctx context.Context, c *Client, from string, req clientControl, deadline time.Time) (int, bool) {
	seqByThread := make(map[string]string)
	switch from {
	case "latest":
		return 0, false
	case "earliest":
		if req.ThreadID != "" {
			seqByThread[req.ThreadID] = "0"
		}
	case "cursor":
		for tid, seq := range req.LastSequencesByThread {
			if tid == "" {
				s.logger.Warn().Int64("client_id", c.id).Msg("Empty thread id in resume dropped")
				continue
			}
			if !codec.ValidSequence(seq) {
				s.logger.Warn().Int64("client_id", c.id).Str("sequence", seq).Msg("Invalid resume sequence dropped")
				continue
			}
			seqByThread[tid] = seq
		}
		if req.ThreadID != "" {
			if _, present := seqByThread[req.ThreadID]; !present {
				seqByThread[req.ThreadID] = "0"
			}
		}
	}
	if len(seqByThread) == 0 {
		return 0, false
	}

	budget := s.cfg.ReplayMaxTotal / len(seqByThread)
	if budget < 1 {
		budget = 1
	}

	total := 0
	capped := false
	for tid, lastSeq := range seqByThread {
		fromSeq := "0"
		if lastSeq != "0" {
			next, err := codec.NextSequence(lastSeq)
			if err != nil {
				continue
			}
			fromSeq = next
		}
		entries, threadCapped, err := s.buffer.FetchThreadRange(ctx, tid, fromSeq, budget, s.cfg.ReplayTimeout)
		if err != nil {
			s.logger.Warn().Err(err).Str("thread_id", tid).Msg("Thread replay fetch failed")
			continue
		}
		if threadCapped {
			capped = true
		}
		total += s.deliverReplay(c, entries, deadline)
		if time.Now().After(deadline) {
			capped = true
			break
		}
	}
	return total, capped
}

// deliverReplay sends cursor+binary pairs over the client's send channel,
// blocking (bounded by the replay deadline) rather than dropping: replay
// ordering gaps would defeat the catch-up.
func (s *Server) deliverReplay(c *Client, entries []replay.Entry, deadline time.Time) int {
	sent := 0
	for _, e := range entries {
		cursor := marshalFrame(cursorFrame{
			Type:      "cursor",
			Partition: e.Partition,
			Offset:    strconv.FormatInt(e.Offset, 10),
			ThreadID:  e.ThreadID,
			Sequence:  e.Sequence,
		})
		if !c.enqueueBlocking(outbound{control: cursor, binary: e.Payload}, deadline) {
			s.logger.Warn().
				Int64("client_id", c.id).
				Int("sent", sent).
				Msg("Replay delivery timed out against client buffer")
			break
		}
		sent++
		replayedFramesTotal.Inc()
	}
	return sent
}
