package irc

import (
	"strconv"
	"strings"
)

// Message is a parsed PRIVMSG from a joined channel room.
type Message struct {
	Channel      string
	Text         string
	MessageID    string
	UserID       int
	UserName     string
	Badges       map[string]string
	Emotes       map[string]string
	IsSubscriber bool
	IsMod        bool
}

// parseLine parses one raw IRC line. Returns the command and, for PRIVMSG,
// a populated Message. Non-PRIVMSG lines report ok=false.
func parseLine(raw string) (Message, string, bool) {
	var msg Message

	rest := raw
	var tags map[string]string
	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx < 0 {
			return msg, "", false
		}
		tags = parseTags(rest[1:idx])
		rest = rest[idx+1:]
	}

	var prefix string
	if strings.HasPrefix(rest, ":") {
		idx := strings.Index(rest, " ")
		if idx < 0 {
			return msg, "", false
		}
		prefix = rest[1:idx]
		rest = rest[idx+1:]
	}

	command := rest
	params := ""
	if idx := strings.Index(rest, " "); idx >= 0 {
		command = rest[:idx]
		params = rest[idx+1:]
	}

	if command != "PRIVMSG" {
		return msg, command, false
	}

	// params: #channel :message text
	idx := strings.Index(params, " :")
	if idx < 0 {
		return msg, command, false
	}
	msg.Channel = strings.ToLower(strings.TrimPrefix(params[:idx], "#"))
	msg.Text = params[idx+2:]

	msg.MessageID = tags["id"]
	msg.Badges = parseBadges(tags["badges"])
	msg.Emotes = parseEmotes(tags["emotes"])
	msg.IsSubscriber = tags["subscriber"] == "1"
	msg.IsMod = tags["mod"] == "1"
	if id, err := strconv.Atoi(tags["user-id"]); err == nil {
		msg.UserID = id
	}
	msg.UserName = tags["display-name"]
	if msg.UserName == "" {
		if bang := strings.Index(prefix, "!"); bang > 0 {
			msg.UserName = prefix[:bang]
		}
	}
	return msg, command, true
}

// parseTags parses the IRCv3 tag prefix into a map, unescaping values.
func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(value)
	}
	return tags
}

// unescapeTag reverses IRCv3 tag value escaping.
func unescapeTag(value string) string {
	if !strings.Contains(value, "\\") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' || i+1 == len(value) {
			b.WriteByte(value[i])
			continue
		}
		i++
		switch value[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

// parseBadges parses "broadcaster/1,subscriber/12" into a name->version map.
func parseBadges(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	badges := make(map[string]string)
	for _, badge := range strings.Split(raw, ",") {
		name, version, ok := strings.Cut(badge, "/")
		if !ok || name == "" {
			continue
		}
		badges[name] = version
	}
	return badges
}

// parseEmotes parses "25:0-4,12-16/1902:6-10" into an id->positions map.
func parseEmotes(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	emotes := make(map[string]string)
	for _, emote := range strings.Split(raw, "/") {
		id, positions, ok := strings.Cut(emote, ":")
		if !ok || id == "" {
			continue
		}
		emotes[id] = positions
	}
	return emotes
}
