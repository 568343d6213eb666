// Package irc is a minimal anonymous Twitch chat client over websocket.
// It joins channel rooms read-only and surfaces PRIVMSG lines; everything
// else (capabilities, PING, membership echoes) is handled internally.
package irc

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipworks/pkg/logging"
)

const (
	// DefaultURL is Twitch's websocket chat endpoint.
	DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	messageBuffer    = 1024
)

// Session is a live chat connection. Join and Part are safe to call
// concurrently with the read loop.
type Session struct {
	conn   *websocket.Conn
	logger logging.Logger
	out    chan Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	dropped int64
	dropMu  sync.Mutex
}

// Dial connects anonymously and requests the tags capability so messages
// carry user ids and badges.
func Dial(ctx context.Context, rawURL string, logger logging.Logger) (*Session, error) {
	if rawURL == "" {
		rawURL = DefaultURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat: %w", err)
	}

	s := &Session{
		conn:   conn,
		logger: logger,
		out:    make(chan Message, messageBuffer),
		closed: make(chan struct{}),
	}

	nick := fmt.Sprintf("justinfan%d", 10000+rand.Intn(90000))
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"NICK " + nick,
	} {
		if err := s.send(line); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go s.readLoop()
	return s, nil
}

// Join subscribes to a channel room.
func (s *Session) Join(channel string) error {
	return s.send("JOIN #" + strings.ToLower(channel))
}

// Part unsubscribes from a channel room.
func (s *Session) Part(channel string) error {
	return s.send("PART #" + strings.ToLower(channel))
}

// Messages returns the stream of parsed chat lines. Closed when the
// connection drops or Close is called.
func (s *Session) Messages() <-chan Message {
	return s.out
}

// Close tears down the connection and closes the message channel.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
		return fmt.Errorf("chat write: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.out)
	defer s.Close()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.WithError(err).Warn("Chat connection closed")
			}
			return
		}

		for _, line := range strings.Split(string(payload), "\r\n") {
			if line == "" {
				continue
			}
			s.handleLine(line)
		}
	}
}

func (s *Session) handleLine(line string) {
	msg, command, ok := parseLine(line)
	if !ok {
		if command == "PING" {
			if err := s.send("PONG :tmi.twitch.tv"); err != nil {
				s.logger.WithError(err).Warn("Chat PONG failed")
			}
		}
		return
	}

	select {
	case s.out <- msg:
	default:
		// The consumer is behind; dropping is safer than blocking the
		// read loop and missing PINGs.
		s.dropMu.Lock()
		s.dropped++
		if s.dropped%1000 == 1 {
			s.logger.WithField("dropped", s.dropped).Warn("Chat buffer full, dropping messages")
		}
		s.dropMu.Unlock()
	}
}
