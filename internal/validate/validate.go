// Package validate holds the pure input validation and normalization
// helpers applied at the protocol boundary before any registry call.
package validate

import (
	"math"
	"regexp"
	"strings"
)

const (
	// MaxUsernameLen caps display names.
	MaxUsernameLen = 20
	// MaxMessageLen caps chat messages.
	MaxMessageLen = 300
	// MaxDestinationNameLen caps destination labels.
	MaxDestinationNameLen = 100
	// DefaultDestinationName labels a destination set without a usable name.
	DefaultDestinationName = "Destination"
)

var roomCodeRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// stripped are the characters removed from any free-text field before use.
const stripped = `<>"'&/\`

func stripUnsafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(stripped, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

// Username normalizes a display name: unsafe characters stripped, trimmed,
// cut to MaxUsernameLen. ok is false when nothing usable remains.
func Username(raw string) (name string, ok bool) {
	name = strings.TrimSpace(stripUnsafe(raw))
	name = truncateRunes(name, MaxUsernameLen)
	return name, name != ""
}

// Avatar accepts a short glyph of one to four runes containing no unsafe
// characters. The length bound keeps single emoji (including multi-rune
// sequences) while rejecting arbitrary text.
func Avatar(raw string) bool {
	runes := []rune(raw)
	if len(runes) < 1 || len(runes) > 4 {
		return false
	}
	return !strings.ContainsAny(raw, stripped)
}

// RoomCode uppercases the input and checks the fixed 6-character A-Z0-9
// shape. The normalized code is returned for lookups.
func RoomCode(raw string) (code string, ok bool) {
	code = strings.ToUpper(raw)
	return code, roomCodeRe.MatchString(code)
}

// Coordinates reports whether lat/lng form a finite, in-range position.
func Coordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Finite returns the pointed-to value when it is a finite number, nil
// otherwise. Used for the optional accuracy/heading/speed fields.
func Finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// Message trims a chat message and cuts it to MaxMessageLen. ok is false
// for empty or whitespace-only input.
func Message(raw string) (text string, ok bool) {
	text = strings.TrimSpace(raw)
	if text == "" {
		return "", false
	}
	return truncateRunes(text, MaxMessageLen), true
}

// DestinationName sanitizes a destination label, falling back to
// DefaultDestinationName when nothing usable remains.
func DestinationName(raw string) string {
	name := strings.TrimSpace(stripUnsafe(raw))
	name = truncateRunes(name, MaxDestinationNameLen)
	if name == "" {
		return DefaultDestinationName
	}
	return name
}
