package detector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"clipworks/pkg/models"
)

const testChannel = 111

type fixture struct {
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{now: time.Unix(1_700_000_000, 0).UTC()}
	f.engine = NewEngine(Config{
		Parallelism: 1,
		Now:         func() time.Time { return f.now },
	}, logger)
	return f
}

// seedBaseline installs per-second counts for the `seconds` seconds ending
// at (and excluding) the fixture's current second.
func (f *fixture) seedBaseline(channel, seconds int, countAt func(i int) int) {
	st := &channelState{buckets: make(map[int64]int)}
	start := f.now.Unix() - int64(seconds)
	for i := 0; i < seconds; i++ {
		st.buckets[start+int64(i)] = countAt(i)
	}
	f.engine.shards[0].states[channel] = st
}

// send feeds one message stamped at the current fixture time.
func (f *fixture) send(channel int) *models.AnomalyEvent {
	return f.engine.observe(f.engine.shards[0], models.ChatLine{
		BroadcasterID: channel,
		TimestampMs:   f.now.UnixMilli(),
		Text:          "PogChamp",
	})
}

func constant(n int) func(int) int {
	return func(int) int { return n }
}

func alternating(a, b int) func(int) int {
	return func(i int) int {
		if i%2 == 0 {
			return a
		}
		return b
	}
}

func TestBurstTriggersExactlyOneAnomaly(t *testing.T) {
	f := newFixture(t)
	f.seedBaseline(testChannel, BaselineWindowSeconds, constant(5))

	var fired []*models.AnomalyEvent
	for i := 0; i < 25; i++ {
		if a := f.send(testChannel); a != nil {
			fired = append(fired, a)
		}
	}

	if len(fired) != 1 {
		t.Fatalf("anomalies = %d, want exactly 1 for a single burst", len(fired))
	}
	a := fired[0]
	if a.BroadcasterID != testChannel {
		t.Errorf("BroadcasterID = %d, want %d", a.BroadcasterID, testChannel)
	}
	if a.DetectedAtMs != f.now.UnixMilli() {
		t.Errorf("DetectedAtMs = %d, want %d", a.DetectedAtMs, f.now.UnixMilli())
	}
	if a.BaselineStd <= 0 {
		t.Errorf("BaselineStd = %v, want > 0", a.BaselineStd)
	}
	if float64(a.MessageCount) <= a.BaselineMean+a.BaselineStd {
		t.Errorf("MessageCount %d not above threshold %v", a.MessageCount, a.BaselineMean+a.BaselineStd)
	}
}

func TestWarmupGateSuppressesAnomalies(t *testing.T) {
	f := newFixture(t)
	// 100 populated seconds is well short of 0.8 * 300.
	f.seedBaseline(testChannel, 100, constant(5))

	for i := 0; i < 50; i++ {
		if a := f.send(testChannel); a != nil {
			t.Fatalf("anomaly during warm-up on message %d", i)
		}
	}
}

func TestZeroVarianceBaselineNeverFires(t *testing.T) {
	f := newFixture(t)
	f.seedBaseline(testChannel, BaselineWindowSeconds, constant(1))

	// The new bucket's single message keeps every count identical.
	if a := f.send(testChannel); a != nil {
		t.Fatalf("anomaly with zero-variance baseline: %+v", a)
	}
}

func TestCooldownSuppressesSecondBurst(t *testing.T) {
	f := newFixture(t)
	f.seedBaseline(testChannel, BaselineWindowSeconds, alternating(4, 6))

	first := f.send(testChannel)
	if first == nil {
		t.Fatal("expected anomaly on first burst")
	}

	// Second burst 10 s later falls inside the 30 s cooldown.
	f.now = f.now.Add(10 * time.Second)
	for i := 0; i < 20; i++ {
		if a := f.send(testChannel); a != nil {
			t.Fatalf("anomaly inside cooldown window: %+v", a)
		}
	}

	// Past the cooldown the channel can fire again.
	f.now = f.now.Add(25 * time.Second)
	var refired bool
	for i := 0; i < 20; i++ {
		if a := f.send(testChannel); a != nil {
			refired = true
			break
		}
	}
	if !refired {
		t.Error("expected anomaly after cooldown expired")
	}
}

func TestOldBucketsAreEvicted(t *testing.T) {
	f := newFixture(t)
	f.seedBaseline(testChannel, BaselineWindowSeconds, constant(1))

	f.now = f.now.Add(2 * BaselineWindowSeconds * time.Second)
	f.send(testChannel)

	st := f.engine.shards[0].states[testChannel]
	for bucket := range st.buckets {
		if bucket < f.now.Unix()-BaselineWindowSeconds {
			t.Errorf("bucket %d older than baseline window survived eviction", bucket)
		}
	}
	if len(st.buckets) != 1 {
		t.Errorf("surviving buckets = %d, want 1", len(st.buckets))
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.seedBaseline(111, BaselineWindowSeconds, alternating(4, 6))
	f.seedBaseline(222, BaselineWindowSeconds, alternating(4, 6))

	if a := f.send(111); a == nil {
		t.Fatal("expected anomaly on channel 111")
	}
	// Channel 222 is not affected by 111's cooldown.
	if a := f.send(222); a == nil {
		t.Fatal("expected anomaly on channel 222")
	}
}

func TestEngineEndToEnd(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	now := time.Unix(1_700_000_000, 0).UTC()
	engine := NewEngine(Config{
		Parallelism: 2,
		Now:         func() time.Time { return now },
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	// Seed the owning shard directly, then drive a burst through Process.
	shard := engine.shards[shardFor(testChannel, 2)]
	st := &channelState{buckets: make(map[int64]int)}
	start := now.Unix() - BaselineWindowSeconds
	for i := 0; i < BaselineWindowSeconds; i++ {
		count := 4
		if i%2 == 0 {
			count = 6
		}
		st.buckets[start+int64(i)] = count
	}
	shard.states[testChannel] = st

	for i := 0; i < 10; i++ {
		if err := engine.Process(ctx, models.ChatLine{
			BroadcasterID: testChannel,
			TimestampMs:   now.UnixMilli(),
			Text:          "hype",
		}); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	engine.Stop()

	var anomalies []models.AnomalyEvent
	for a := range engine.Anomalies() {
		anomalies = append(anomalies, a)
	}
	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(anomalies))
	}
}
