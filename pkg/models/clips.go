package models

import "time"

// AnomalyEvent is emitted by the spike detector when a channel's chat volume
// exceeds its rolling baseline.
type AnomalyEvent struct {
	BroadcasterID int     `json:"broadcaster_id"`
	DetectedAtMs  int64   `json:"detected_at"`
	MessageCount  int     `json:"message_count"`
	BaselineMean  float64 `json:"baseline_mean"`
	BaselineStd   float64 `json:"baseline_std"`
}

// ClipRecord is a row in the clip catalog. ClipID is the natural key;
// inserts are idempotent via ON CONFLICT (clip_id) DO NOTHING.
type ClipRecord struct {
	ID            int64     `json:"id"`
	BroadcasterID int       `json:"broadcaster_id"`
	ClipID        string    `json:"clip_id"`
	EmbedURL      string    `json:"embed_url"`
	ThumbnailURL  string    `json:"thumbnail_url"`
	DetectedAt    time.Time `json:"detected_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Streamer is a row in the streamers table, refreshed on every poll that
// sees the channel live.
type Streamer struct {
	StreamerID    int       `json:"streamer_id"`
	StreamerLogin string    `json:"streamer_login"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
