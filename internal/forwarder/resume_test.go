package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow-ai/telemetry/internal/replay"
)

// testServer builds a Server wired to a memory-only replay buffer, without
// touching Kafka or the network.
func testServer(t *testing.T) *Server {
	t.Helper()
	buffer, err := replay.New(replay.Config{
		MessageTTL:          time.Hour,
		MaxConcurrentWrites: 4,
		MaxSequences:        1000,
		ClearTimeout:        time.Second,
		MemoryPerPartition:  128,
		TrimEveryNWrites:    512,
	}, "testns", nil, zerolog.Nop())
	require.NoError(t, err)

	seqTracker, err := NewSequenceTracker(100, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Server{
		cfg: Config{
			ReplayMaxTotal:       1000,
			ReplayTimeout:        5 * time.Second,
			ClientSendBufferSize: 1024,
			SendTimeout:          time.Second,
			SlowClientThreshold:  8,
			SlowClientLagWindow:  120 * time.Second,
		},
		logger:     zerolog.Nop(),
		buffer:     buffer,
		seqTracker: seqTracker,
		windows:    newHealthWindows(),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func testClient(s *Server) *Client {
	return &Client{
		id:     1,
		server: s,
		send:   make(chan outbound, 1024),
	}
}

// drainFrames collects what was queued for the client: control JSONs and
// binary payloads in arrival order.
func drainFrames(c *Client) (controls []map[string]any, binaries [][]byte) {
	for {
		select {
		case out := <-c.send:
			if out.control != nil {
				var m map[string]any
				if json.Unmarshal(out.control, &m) == nil {
					controls = append(controls, m)
				}
			}
			if out.binary != nil {
				binaries = append(binaries, out.binary)
			}
		default:
			return
		}
	}
}

func seed(s *Server, partition int32, offsets ...int64) {
	for _, off := range offsets {
		s.buffer.Append(replay.Entry{
			Partition: partition,
			Offset:    off,
			ThreadID:  "thread-1",
			Sequence:  fmt.Sprintf("%d", off+1),
			Payload:   []byte(fmt.Sprintf("p%d-o%d", partition, off)),
		})
	}
}

func controlsOfType(controls []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, c := range controls {
		if c["type"] == typ {
			out = append(out, c)
		}
	}
	return out
}

func TestResumeFromLatestReplaysNothing(t *testing.T) {
	s := testServer(t)
	seed(s, 0, 0, 1, 2)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"auto","from":"latest"}`))

	controls, binaries := drainFrames(c)
	assert.Empty(t, binaries)
	done := controlsOfType(controls, "replay_complete")
	require.Len(t, done, 1)
	assert.Equal(t, float64(0), done[0]["totalReplayed"])
	assert.Equal(t, false, done[0]["capped"])
}

func TestResumeFromCursorsReplaysAfterOffset(t *testing.T) {
	s := testServer(t)
	seed(s, 0, 0, 1, 2, 3, 4)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"partition","from":"cursor","lastOffsetsByPartition":{"0":"2"}}`))

	controls, binaries := drainFrames(c)
	require.Len(t, binaries, 2, "offsets 3 and 4")
	cursors := controlsOfType(controls, "cursor")
	require.Len(t, cursors, 2)
	assert.Equal(t, "3", cursors[0]["offset"])
	assert.Equal(t, "4", cursors[1]["offset"])

	done := controlsOfType(controls, "replay_complete")
	require.Len(t, done, 1)
	assert.Equal(t, float64(2), done[0]["totalReplayed"])
}

func TestResumeCursorStale(t *testing.T) {
	s := testServer(t)
	// Oldest retained offset is 150.
	seed(s, 0, 150, 151, 152)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"partition","from":"cursor","lastOffsetsByPartition":{"0":"100"}}`))

	controls, binaries := drainFrames(c)
	stale := controlsOfType(controls, "cursor_stale")
	require.Len(t, stale, 1)
	assert.Equal(t, "0", stale[0]["partition"])
	assert.Equal(t, "101", stale[0]["requestedOffset"])
	assert.Equal(t, "150", stale[0]["oldestAvailableOffset"])

	// Replay restarts from the oldest retained data.
	assert.Len(t, binaries, 3)
}

func TestResumeOffsetZeroNotStale(t *testing.T) {
	s := testServer(t)
	seed(s, 0, 0, 1)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"partition","from":"earliest"}`))

	controls, binaries := drainFrames(c)
	assert.Empty(t, controlsOfType(controls, "cursor_stale"), "offset 0 is a valid position")
	assert.Len(t, binaries, 2)
}

func TestResumeThreadModeSendsReplayComplete(t *testing.T) {
	s := testServer(t)
	seed(s, 0, 0, 1, 2, 3)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"thread","from":"cursor","lastSequencesByThread":{"thread-1":"2"}}`))

	controls, binaries := drainFrames(c)
	require.Len(t, binaries, 2, "sequences 3 and 4")
	cursors := controlsOfType(controls, "cursor")
	require.Len(t, cursors, 2)
	assert.Equal(t, "thread-1", cursors[0]["threadId"])
	assert.Equal(t, "3", cursors[0]["sequence"])

	done := controlsOfType(controls, "replay_complete")
	require.Len(t, done, 1, "thread mode terminates symmetrically with partition mode")
	assert.Equal(t, float64(2), done[0]["totalReplayed"])
}

func TestResumeInvalidModeRejected(t *testing.T) {
	s := testServer(t)
	c := testClient(s)

	s.handleResume(c, []byte(`{"type":"resume","mode":"sideways","from":"latest"}`))
	controls, _ := drainFrames(c)
	assert.Empty(t, controlsOfType(controls, "replay_complete"))
}

func TestResumeInvalidEntriesDroppedIndividually(t *testing.T) {
	s := testServer(t)
	seed(s, 0, 0, 1, 2)
	c := testClient(s)

	// Negative partition and non-numeric offset dropped; valid entry kept.
	s.handleResume(c, []byte(`{"type":"resume","mode":"partition","from":"cursor",
		"lastOffsetsByPartition":{"-1":"5","0":"0","junk":"zz"},"surprise":true}`))

	controls, binaries := drainFrames(c)
	assert.Len(t, binaries, 2, "offsets 1 and 2 after the surviving cursor 0")
	require.Len(t, controlsOfType(controls, "replay_complete"), 1)
}

func TestParseResumeOffsetsValidation(t *testing.T) {
	s := testServer(t)
	c := testClient(s)

	out := s.parseResumeOffsets(c, map[string]string{
		"0":    "10",
		"1":    "007",
		"-2":   "5",
		"x":    "5",
		"3":    "-9",
		"4":    "1.5",
	})
	assert.Equal(t, map[int32]int64{0: 10, 1: 7}, out)
}
