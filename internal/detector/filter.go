package detector

import (
	"regexp"

	"clipworks/pkg/models"
)

// commandPattern matches bot-command chat lines such as "!drops" or "!bet100".
var commandPattern = regexp.MustCompile(`^![A-Za-z0-9]+`)

// IsCommand reports whether a chat line is a bot command and should be
// excluded from volume counting.
func IsCommand(text string) bool {
	return commandPattern.MatchString(text)
}

// FilterCommands drops command lines. The filter is stateless, so it can be
// applied to any batching of the stream with the same result.
func FilterCommands(lines []models.ChatLine) []models.ChatLine {
	kept := make([]models.ChatLine, 0, len(lines))
	for _, line := range lines {
		if IsCommand(line.Text) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}
