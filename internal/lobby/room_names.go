package lobby

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxRoomNameLength = 50

// NormalizeRoomName trims the name and collapses inner runs of whitespace.
func NormalizeRoomName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// ValidateRoomName accepts an empty name (a default is generated later).
func ValidateRoomName(name string) error {
	if !utf8.ValidString(name) {
		return &ValidationError{Field: "name", Message: "must be valid UTF-8"}
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return &ValidationError{Field: "name", Message: "must be at most 50 characters"}
	}
	for _, ch := range name {
		if unicode.IsControl(ch) {
			return &ValidationError{Field: "name", Message: "must not contain control characters"}
		}
	}
	return nil
}

func defaultRoomName(id RoomID) string {
	return "Room " + id.String()
}

// ValidatePlayerID rejects identities the session boundary would never issue.
func ValidatePlayerID(player PlayerID) error {
	if strings.TrimSpace(string(player)) == "" {
		return &ValidationError{Field: "player", Message: "cannot be empty"}
	}
	return nil
}
