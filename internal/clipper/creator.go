// Package clipper turns anomaly events into catalog rows: clip creation with
// a bounded retry schedule, a processing delay while Twitch materializes the
// clip, metadata fetch, and an idempotent insert.
package clipper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"clipworks/pkg/logging"
	"clipworks/pkg/models"
	"clipworks/pkg/twitch"
)

// Terminal outcomes per anomaly, exported as metric labels.
const (
	OutcomePersisted              = "persisted"
	OutcomeCreateFailedPermanent  = "create_failed_permanent"
	OutcomeCreateFailedExhausted  = "create_failed_exhausted"
	OutcomeMetaMissing            = "meta_missing"
	OutcomeDBFailed               = "db_failed"
)

// DefaultRetryDelays spaces the clip-creation attempts. The schedule length,
// not any separate constant, bounds the attempt count.
var DefaultRetryDelays = []time.Duration{0, 3 * time.Second, 6 * time.Second}

// DefaultProcessingDelay is how long Twitch needs to materialize a clip
// before metadata is available.
const DefaultProcessingDelay = 15 * time.Second

const defaultWorkers = 4

// ClipAPI is the subset of the platform client the creator needs.
type ClipAPI interface {
	CreateClip(ctx context.Context, broadcasterID int) (string, error)
	GetClip(ctx context.Context, clipID string) (*twitch.ClipDetails, error)
}

// ClipStore persists finished clips.
type ClipStore interface {
	InsertClip(ctx context.Context, clip models.ClipRecord) error
}

// Config configures a Creator.
type Config struct {
	Workers         int
	RetryDelays     []time.Duration
	ProcessingDelay time.Duration
}

// Creator consumes anomalies and runs the clip state machine per event.
// Multiple anomalies are processed concurrently; duplicate clip ids collapse
// in the store's conflict handling.
type Creator struct {
	cfg      Config
	api      ClipAPI
	store    ClipStore
	logger   logging.Logger
	outcomes *prometheus.CounterVec
}

// NewCreator creates a clip creator. The outcomes counter is optional and
// must have a single "outcome" label when provided.
func NewCreator(cfg Config, api ClipAPI, store ClipStore, logger logging.Logger, outcomes *prometheus.CounterVec) *Creator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ProcessingDelay == 0 {
		cfg.ProcessingDelay = DefaultProcessingDelay
	}
	return &Creator{
		cfg:      cfg,
		api:      api,
		store:    store,
		logger:   logger,
		outcomes: outcomes,
	}
}

// Run consumes anomalies until the channel closes or the context is
// cancelled. Blocks until all workers finish.
func (c *Creator) Run(ctx context.Context, anomalies <-chan models.AnomalyEvent) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case anomaly, ok := <-anomalies:
					if !ok {
						return nil
					}
					c.Handle(ctx, anomaly)
				}
			}
		})
	}
	return g.Wait()
}

// Handle runs the full state machine for one anomaly. Terminal failures are
// logged and counted; they never propagate so one bad anomaly cannot stall
// the stream.
func (c *Creator) Handle(ctx context.Context, anomaly models.AnomalyEvent) {
	log := c.logger.WithFields(logging.Fields{
		"broadcaster_id": anomaly.BroadcasterID,
		"detected_at":    anomaly.DetectedAtMs,
	})

	clipID, outcome := c.createWithRetry(ctx, anomaly.BroadcasterID)
	if clipID == "" {
		log.WithField("outcome", outcome).Error("Clip creation failed")
		c.countOutcome(outcome)
		return
	}
	log = log.WithField("clip_id", clipID)

	// Twitch materializes clips asynchronously.
	if err := sleepCtx(ctx, c.cfg.ProcessingDelay); err != nil {
		return
	}

	details, err := c.api.GetClip(ctx, clipID)
	if err != nil || details == nil {
		if err != nil {
			log.WithError(err).Error("Clip metadata fetch failed")
		} else {
			log.Error("Clip metadata not available")
		}
		c.countOutcome(OutcomeMetaMissing)
		return
	}

	record := models.ClipRecord{
		BroadcasterID: anomaly.BroadcasterID,
		ClipID:        clipID,
		EmbedURL:      details.EmbedURL,
		ThumbnailURL:  details.ThumbnailURL,
		DetectedAt:    time.UnixMilli(anomaly.DetectedAtMs).UTC(),
	}
	if err := c.store.InsertClip(ctx, record); err != nil {
		log.WithError(err).Error("Clip insert failed")
		c.countOutcome(OutcomeDBFailed)
		return
	}

	log.Info("Clip persisted")
	c.countOutcome(OutcomePersisted)
}

// createWithRetry walks the retry schedule. Permanent classification aborts
// immediately; transient failures use up the remaining attempts.
func (c *Creator) createWithRetry(ctx context.Context, broadcasterID int) (string, string) {
	for attempt, delay := range c.cfg.RetryDelays {
		if delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return "", OutcomeCreateFailedExhausted
			}
		}

		clipID, err := c.api.CreateClip(ctx, broadcasterID)
		if err == nil && clipID != "" {
			return clipID, ""
		}

		if err != nil && !twitch.IsRetryable(err) {
			return "", OutcomeCreateFailedPermanent
		}

		c.logger.WithError(err).WithFields(logging.Fields{
			"broadcaster_id": broadcasterID,
			"attempt":        attempt + 1,
		}).Warn("Clip creation attempt failed")
	}
	return "", OutcomeCreateFailedExhausted
}

func (c *Creator) countOutcome(outcome string) {
	if c.outcomes != nil {
		c.outcomes.WithLabelValues(outcome).Inc()
	}
}

// sleepCtx is an interruptible sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
