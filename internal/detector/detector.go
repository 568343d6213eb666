// Package detector implements the keyed chat-volume spike detector. Each
// channel owns a sparse map of per-second message counts; the current
// detection window is compared against a rolling baseline of mean + k·stddev.
package detector

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"clipworks/pkg/logging"
	"clipworks/pkg/models"
)

// Detection parameters. The stddev multiplier is configuration (see Config);
// the rest are fixed by the pipeline contract.
const (
	WindowSizeSeconds     = 5
	BaselineWindowSeconds = 300
	CooldownSeconds       = 30

	DefaultStdDevThreshold = 1.0
	DefaultParallelism     = 4

	// Warm-up: a channel needs at least this fraction of the baseline
	// window populated before it can alarm. Buckets are sparse, so quiet
	// channels stay unarmed.
	warmupFraction = 0.8
)

// Config configures an Engine.
type Config struct {
	StdDevThreshold float64
	Parallelism     int

	// Now supplies wall-clock time for eviction and cooldown. Bucket
	// assignment always uses the message timestamp.
	Now func() time.Time
}

// channelState is the per-key detector state. Single-writer: only the shard
// that owns the key touches it.
type channelState struct {
	buckets       map[int64]int
	lastAnomalyMs int64
}

type shard struct {
	in     chan models.ChatLine
	states map[int]*channelState
}

// Engine fans chat lines out to Parallelism shards by broadcaster id and
// emits anomalies on a single output channel. Losing state on restart is
// safe: warm-up gates re-arming.
type Engine struct {
	cfg    Config
	logger logging.Logger
	shards []*shard
	out    chan models.AnomalyEvent
	wg     sync.WaitGroup
}

// NewEngine creates a detector engine.
func NewEngine(cfg Config, logger logging.Logger) *Engine {
	if cfg.StdDevThreshold == 0 {
		cfg.StdDevThreshold = DefaultStdDevThreshold
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	shards := make([]*shard, cfg.Parallelism)
	for i := range shards {
		shards[i] = &shard{
			in:     make(chan models.ChatLine, 256),
			states: make(map[int]*channelState),
		}
	}

	return &Engine{
		cfg:    cfg,
		logger: logger,
		shards: shards,
		out:    make(chan models.AnomalyEvent, 64),
	}
}

// Anomalies returns the detector output stream. Closed after Stop once all
// shards drain.
func (e *Engine) Anomalies() <-chan models.AnomalyEvent {
	return e.out
}

// Start launches the shard workers. The output channel is closed when every
// shard has drained after Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) {
	for _, s := range e.shards {
		e.wg.Add(1)
		go func(s *shard) {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case line, ok := <-s.in:
					if !ok {
						return
					}
					if anomaly := e.observe(s, line); anomaly != nil {
						select {
						case e.out <- *anomaly:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}(s)
	}

	go func() {
		e.wg.Wait()
		close(e.out)
	}()
}

// Stop closes the shard inputs; Start's workers drain and the output
// channel closes.
func (e *Engine) Stop() {
	for _, s := range e.shards {
		close(s.in)
	}
}

// Process routes a chat line to its owning shard. Command lines must already
// be filtered out by the caller.
func (e *Engine) Process(ctx context.Context, line models.ChatLine) error {
	s := e.shards[shardFor(line.BroadcasterID, len(e.shards))]
	select {
	case s.in <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardFor(broadcasterID, n int) int {
	h := fnv.New32a()
	var buf [8]byte
	v := uint64(broadcasterID)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum32()) % n
}

// observe applies one chat line to its channel state and returns an anomaly
// when the detection window exceeds the baseline threshold outside cooldown.
func (e *Engine) observe(s *shard, line models.ChatLine) *models.AnomalyEvent {
	st := s.states[line.BroadcasterID]
	if st == nil {
		st = &channelState{buckets: make(map[int64]int)}
		s.states[line.BroadcasterID] = st
	}

	bucket := line.TimestampMs / 1000
	st.buckets[bucket]++

	now := e.cfg.Now()
	nowSec := now.Unix()
	baselineStart := nowSec - BaselineWindowSeconds
	windowStart := nowSec - WindowSizeSeconds

	baseline := make([]int, 0, len(st.buckets))
	windowSum := 0
	for b, count := range st.buckets {
		if b < baselineStart {
			delete(st.buckets, b)
			continue
		}
		baseline = append(baseline, count)
		if b >= windowStart {
			windowSum += count
		}
	}

	if len(baseline) < int(warmupFraction*BaselineWindowSeconds) {
		return nil
	}
	if len(baseline) < 2 {
		return nil
	}

	mean, std := sampleStats(baseline)
	if std == 0 {
		return nil
	}

	threshold := mean + e.cfg.StdDevThreshold*std
	if float64(windowSum) <= threshold {
		return nil
	}

	nowMs := now.UnixMilli()
	if st.lastAnomalyMs != 0 && nowMs-st.lastAnomalyMs <= CooldownSeconds*1000 {
		return nil
	}
	st.lastAnomalyMs = nowMs

	e.logger.WithFields(logging.Fields{
		"broadcaster_id": line.BroadcasterID,
		"window_sum":     windowSum,
		"threshold":      threshold,
		"baseline_mean":  mean,
		"baseline_std":   std,
	}).Info("Chat spike detected")

	return &models.AnomalyEvent{
		BroadcasterID: line.BroadcasterID,
		DetectedAtMs:  nowMs,
		MessageCount:  windowSum,
		BaselineMean:  mean,
		BaselineStd:   std,
	}
}

// sampleStats returns the mean and sample standard deviation.
func sampleStats(counts []int) (float64, float64) {
	n := float64(len(counts))
	sum := 0.0
	for _, c := range counts {
		sum += float64(c)
	}
	mean := sum / n

	varSum := 0.0
	for _, c := range counts {
		d := float64(c) - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / (n - 1))
}
