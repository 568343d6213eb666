// Package monitor tracks the top live channels, keeps chat membership in
// sync with the ranking, and publishes chat lines and lifecycle events to
// Kafka. Join and leave use different rank thresholds so a channel bouncing
// around the cutoff does not flap.
package monitor

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"clipworks/internal/monitor/irc"
	"clipworks/pkg/kafka"
	"clipworks/pkg/logging"
	"clipworks/pkg/models"
	"clipworks/pkg/twitch"
)

// Defaults for the hysteresis band and presence TTL.
const (
	DefaultJoinThreshold  = 5
	DefaultLeaveThreshold = 10
	DefaultPollInterval   = 120 * time.Second
	DefaultOnlineTTL      = 180 * time.Second

	onlineKeyPrefix = "streamer:online:"
)

// Platform lists live channels ordered by viewer rank.
type Platform interface {
	ListTopLive(ctx context.Context, n int) ([]twitch.Channel, error)
}

// ChatSession is the chat transport the monitor drives.
type ChatSession interface {
	Join(channel string) error
	Part(channel string) error
	Messages() <-chan irc.Message
	Close() error
}

// EventProducer publishes pipeline events.
type EventProducer interface {
	Produce(topic string, key, value []byte) error
}

// StreamerStore persists streamer identity rows.
type StreamerStore interface {
	UpsertStreamer(ctx context.Context, streamerID int, login string) error
}

// Config configures a Monitor.
type Config struct {
	PollInterval   time.Duration
	JoinThreshold  int
	LeaveThreshold int
	OnlineTTL      time.Duration
	Now            func() time.Time
}

// Deps are the monitor's collaborators. DialChat is called lazily on the
// first join so the process can start before chat is reachable.
type Deps struct {
	Platform  Platform
	Redis     goredis.UniversalClient
	Producer  EventProducer
	Streamers StreamerStore
	DialChat  func(ctx context.Context) (ChatSession, error)
}

// Monitor owns the fleet state: which channels are joined and which have
// left the ranking but may still be live.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger logging.Logger

	mu      sync.Mutex
	chat    ChatSession
	joined  map[string]int // login -> broadcaster id
	pending map[string]int // left the ranking, offline not yet confirmed

	pumpWG sync.WaitGroup
}

// NewMonitor creates a fleet monitor.
func NewMonitor(cfg Config, deps Deps, logger logging.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.JoinThreshold <= 0 {
		cfg.JoinThreshold = DefaultJoinThreshold
	}
	if cfg.LeaveThreshold < cfg.JoinThreshold {
		cfg.LeaveThreshold = DefaultLeaveThreshold
	}
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = DefaultOnlineTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		joined:  make(map[string]int),
		pending: make(map[string]int),
	}
}

// Run polls immediately, then on the configured interval until the context
// is cancelled. Blocks until shutdown completes.
func (m *Monitor) Run(ctx context.Context) error {
	m.Poll(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reconciles chat membership and presence state against the current
// ranking. A listing failure mutates nothing; the previous state stands
// until the next successful poll.
func (m *Monitor) Poll(ctx context.Context) {
	channels, err := m.deps.Platform.ListTopLive(ctx, m.cfg.LeaveThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Top streams poll failed")
		return
	}

	ranks := make(map[string]int, len(channels))
	for i, ch := range channels {
		ranks[ch.Login] = i + 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ch := range channels {
		rank := i + 1
		delete(m.pending, ch.Login)

		// Every ranked channel keeps its presence key alive; the key value
		// is the channel id so the cache doubles as a login resolver.
		hadPresence := m.refreshPresence(ctx, ch)

		if rank > m.cfg.JoinThreshold {
			continue
		}
		if !hadPresence {
			m.publishLifecycle(models.LifecycleEvent{
				EventType:        models.LifecycleOnline,
				BroadcasterID:    ch.ID,
				BroadcasterLogin: ch.Login,
				Rank:             rank,
				Timestamp:        m.cfg.Now().Unix(),
			})
		}
		if err := m.deps.Streamers.UpsertStreamer(ctx, ch.ID, ch.Login); err != nil {
			m.logger.WithError(err).WithField("login", ch.Login).Error("Streamer upsert failed")
		}
		if _, ok := m.joined[ch.Login]; !ok {
			m.join(ctx, ch, rank)
		}
	}

	for login, id := range m.joined {
		if rank, ok := ranks[login]; ok && rank <= m.cfg.LeaveThreshold {
			continue
		}
		m.leave(login, id)
	}

	m.confirmOffline(ctx)
}

// join brings a channel into the fleet's chat rooms.
func (m *Monitor) join(ctx context.Context, ch twitch.Channel, rank int) {
	log := m.logger.WithFields(logging.Fields{
		"broadcaster_id": ch.ID,
		"login":          ch.Login,
		"rank":           rank,
	})

	chat, err := m.ensureChat(ctx)
	if err != nil {
		log.WithError(err).Error("Chat connect failed")
		return
	}
	if err := chat.Join(ch.Login); err != nil {
		log.WithError(err).Error("Chat join failed")
		return
	}

	m.joined[ch.Login] = ch.ID
	log.Info("Joined channel")
}

// leave drops the chat room and marks the channel for offline confirmation
// once its presence key expires.
func (m *Monitor) leave(login string, id int) {
	if m.chat != nil {
		if err := m.chat.Part(login); err != nil {
			m.logger.WithError(err).WithField("login", login).Warn("Chat part failed")
		}
	}
	delete(m.joined, login)
	m.pending[login] = id
	m.logger.WithFields(logging.Fields{"broadcaster_id": id, "login": login}).Info("Left channel")
}

// confirmOffline publishes an offline event for each departed channel whose
// presence key has expired. The TTL absorbs short drops below the ranking.
func (m *Monitor) confirmOffline(ctx context.Context) {
	for login, id := range m.pending {
		exists, err := m.deps.Redis.Exists(ctx, onlineKeyPrefix+login).Result()
		if err != nil {
			m.logger.WithError(err).WithField("login", login).Error("Presence check failed")
			continue
		}
		if exists != 0 {
			continue
		}
		m.publishLifecycle(models.LifecycleEvent{
			EventType:        models.LifecycleOffline,
			BroadcasterID:    id,
			BroadcasterLogin: login,
			Timestamp:        m.cfg.Now().Unix(),
		})
		delete(m.pending, login)
		m.logger.WithFields(logging.Fields{"broadcaster_id": id, "login": login}).Info("Streamer offline")
	}
}

// refreshPresence renews the channel's online key and reports whether the
// key existed beforehand.
func (m *Monitor) refreshPresence(ctx context.Context, ch twitch.Channel) bool {
	key := onlineKeyPrefix + ch.Login
	exists, err := m.deps.Redis.Exists(ctx, key).Result()
	if err != nil {
		m.logger.WithError(err).WithField("login", ch.Login).Error("Presence check failed")
		// Assume present so a cache hiccup cannot duplicate online events.
		exists = 1
	}
	if err := m.deps.Redis.SetEx(ctx, key, strconv.Itoa(ch.ID), m.cfg.OnlineTTL).Err(); err != nil {
		m.logger.WithError(err).WithField("login", ch.Login).Error("Presence refresh failed")
	}
	return exists != 0
}

func (m *Monitor) publishLifecycle(event models.LifecycleEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.WithError(err).Error("Lifecycle marshal failed")
		return
	}
	key := []byte(strconv.Itoa(event.BroadcasterID))
	if err := m.deps.Producer.Produce(kafka.TopicStreamLifecycle, key, payload); err != nil {
		m.logger.WithError(err).WithField("event_type", event.EventType).Error("Lifecycle publish failed")
	}
}

// ensureChat dials the chat transport on first use and starts the pump.
// Caller holds m.mu.
func (m *Monitor) ensureChat(ctx context.Context) (ChatSession, error) {
	if m.chat != nil {
		return m.chat, nil
	}
	chat, err := m.deps.DialChat(ctx)
	if err != nil {
		return nil, err
	}
	m.chat = chat

	m.pumpWG.Add(1)
	go func() {
		defer m.pumpWG.Done()
		m.pump(chat)
	}()
	return chat, nil
}

// pump forwards chat lines to Kafka. Messages from rooms the monitor no
// longer tracks are dropped.
func (m *Monitor) pump(chat ChatSession) {
	for msg := range chat.Messages() {
		m.handleChat(msg)
	}
}

func (m *Monitor) handleChat(msg irc.Message) {
	m.mu.Lock()
	id, ok := m.joined[msg.Channel]
	m.mu.Unlock()
	if !ok {
		return
	}

	// message_id is minted at ingest; the transport's own id tag is not
	// trusted to be present or unique across reconnects.
	line := models.ChatLine{
		BroadcasterID: id,
		TimestampMs:   m.cfg.Now().UnixMilli(),
		MessageID:     uuid.NewString(),
		Text:          msg.Text,
		UserID:        msg.UserID,
		UserName:      msg.UserName,
		Metadata: models.ChatMetadata{
			Emotes:       msg.Emotes,
			Badges:       msg.Badges,
			IsSubscriber: msg.IsSubscriber,
			IsMod:        msg.IsMod,
		},
	}

	payload, err := json.Marshal(line)
	if err != nil {
		m.logger.WithError(err).Error("Chat line marshal failed")
		return
	}
	if err := m.deps.Producer.Produce(kafka.TopicChatMessages, []byte(strconv.Itoa(id)), payload); err != nil {
		m.logger.WithError(err).WithField("broadcaster_id", id).Error("Chat publish failed")
	}
}

// Joined returns a snapshot of the joined logins, for health reporting.
func (m *Monitor) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	logins := make([]string, 0, len(m.joined))
	for login := range m.joined {
		logins = append(logins, login)
	}
	return logins
}

// shutdown parts all rooms and closes the chat transport before returning.
func (m *Monitor) shutdown() {
	m.mu.Lock()
	chat := m.chat
	m.chat = nil
	m.joined = make(map[string]int)
	m.mu.Unlock()

	if chat != nil {
		chat.Close()
	}
	m.pumpWG.Wait()
}
