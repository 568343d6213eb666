// Package catalog wraps the Postgres clip catalog: idempotent clip inserts,
// streamer upserts from the fleet monitor, and the read queries served by
// the public API.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clipworks/pkg/models"
)

// Store provides access to the clips and streamers tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog store over an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertClip records a clip, ignoring duplicates on clip_id so redelivered
// anomalies cannot produce double rows.
func (s *Store) InsertClip(ctx context.Context, clip models.ClipRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clip insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clips (broadcaster_id, clip_id, embed_url, thumbnail_url, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (clip_id) DO NOTHING
	`, clip.BroadcasterID, clip.ClipID, clip.EmbedURL, clip.ThumbnailURL, clip.DetectedAt)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert clip %s: %w", clip.ClipID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clip insert: %w", err)
	}
	return nil
}

// UpsertStreamer refreshes a streamer row from the latest poll.
func (s *Store) UpsertStreamer(ctx context.Context, streamerID int, login string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streamers (streamer_id, streamer_login, last_seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (streamer_id) DO UPDATE
		SET streamer_login = EXCLUDED.streamer_login,
		    last_seen_at = NOW()
	`, streamerID, login)
	if err != nil {
		return fmt.Errorf("upsert streamer %d: %w", streamerID, err)
	}
	return nil
}

// ClipWithStreamer is a catalog row joined with the streamer's login.
type ClipWithStreamer struct {
	models.ClipRecord
	StreamerLogin string `json:"streamer_login"`
}

// ListClips returns clips detected inside [start, end], newest first.
func (s *Store) ListClips(ctx context.Context, start, end time.Time, limit int) ([]ClipWithStreamer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.broadcaster_id, c.clip_id, c.embed_url, c.thumbnail_url,
		       c.detected_at, c.created_at, COALESCE(s.streamer_login, '')
		FROM clips c
		LEFT JOIN streamers s ON c.broadcaster_id = s.streamer_id
		WHERE c.detected_at >= $1 AND c.detected_at <= $2
		ORDER BY c.detected_at DESC
		LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query clips: %w", err)
	}
	defer rows.Close()

	clips := make([]ClipWithStreamer, 0, limit)
	for rows.Next() {
		var clip ClipWithStreamer
		if err := rows.Scan(
			&clip.ID,
			&clip.BroadcasterID,
			&clip.ClipID,
			&clip.EmbedURL,
			&clip.ThumbnailURL,
			&clip.DetectedAt,
			&clip.CreatedAt,
			&clip.StreamerLogin,
		); err != nil {
			return nil, fmt.Errorf("scan clip row: %w", err)
		}
		clips = append(clips, clip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clip rows: %w", err)
	}
	return clips, nil
}
