package statestore

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

// decodeWorker runs the codec off the apply path. A worker that exceeds
// the per-frame timeout is abandoned and a fresh one spawned; the stuck
// goroutine drains itself when (if) the decode returns.
type decodeWorker struct {
	jobs     chan decodeJob
	logger   zerolog.Logger
	restarts int
}

type decodeJob struct {
	data  []byte
	reply chan decodeResult
}

type decodeResult struct {
	msg *wire.Message
	err error
}

func newDecodeWorker(logger zerolog.Logger) *decodeWorker {
	w := &decodeWorker{jobs: make(chan decodeJob), logger: logger}
	go w.run(w.jobs)
	return w
}

func (w *decodeWorker) run(jobs chan decodeJob) {
	for job := range jobs {
		msg, err := codec.Decode(job.data, codec.MaxDecompressedBytes)
		job.reply <- decodeResult{msg: msg, err: err}
	}
}

// decode submits one frame with a deadline. On timeout the current worker
// is replaced and the frame reported failed.
func (w *decodeWorker) decode(data []byte, timeout time.Duration) (*wire.Message, error) {
	reply := make(chan decodeResult, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w.jobs <- decodeJob{data: data, reply: reply}:
	case <-timer.C:
		w.respawn()
		return nil, fmt.Errorf("decode worker stuck before accept")
	}

	select {
	case res := <-reply:
		return res.msg, res.err
	case <-timer.C:
		w.respawn()
		return nil, fmt.Errorf("decode worker exceeded %s", timeout)
	}
}

func (w *decodeWorker) respawn() {
	old := w.jobs
	w.jobs = make(chan decodeJob)
	w.restarts++
	w.logger.Warn().Int("restarts", w.restarts).Msg("Decode worker stuck - respawning")
	go w.run(w.jobs)
	// The old worker exits when its channel is closed; any in-flight job
	// still replies into a buffered channel nobody reads.
	close(old)
}

func (w *decodeWorker) stop() {
	close(w.jobs)
}
