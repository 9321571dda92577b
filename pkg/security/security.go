package security

import (
	"crypto/subtle"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// Security limits and configuration
const (
	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxNoteLength is LinkedIn's limit for a connection note
	MaxNoteLength = 300

	// MaxMessageLength is the maximum length of a direct message
	MaxMessageLength = 3000

	// MaxBulkProfiles is the maximum number of profiles in one bulk action
	MaxBulkProfiles = 500

	// DefaultDiscoveryLimit is used when a discovery job does not set a limit
	DefaultDiscoveryLimit = 200

	// MaxDiscoveryLimit is the hard limit for engagers collected per job
	MaxDiscoveryLimit = 1000

	// MaxDelaySeconds bounds the pause between two actions
	MaxDelaySeconds = 3600

	// MaxIdentifierLength is the maximum length for user and workspace ids
	MaxIdentifierLength = 64

	// MaxProfileNameLength bounds browser profile names sent to providers
	MaxProfileNameLength = 80
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.:]*$`)

// ValidateIdentifier validates a user or workspace id taken from a request.
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return errors.Wrapf(core.ErrInvalidInput, "%s is required", kind)
	}
	if len(id) > MaxIdentifierLength {
		return errors.Wrapf(core.ErrInvalidInput, "%s too long", kind)
	}
	if !validIdentifier.MatchString(id) {
		return errors.Wrapf(core.ErrInvalidInput, "%s has invalid characters", kind)
	}
	return nil
}

// ValidateTimezone checks that name is a loadable IANA timezone.
func ValidateTimezone(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Wrap(core.ErrInvalidInput, "timezone is required")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return errors.Wrapf(core.ErrInvalidInput, "unknown timezone %q", name)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	return truncateRunes(sanitized.String(), MaxErrorMessageLength, "...")
}

// TruncateNote trims a connection note to LinkedIn's character limit.
func TruncateNote(note string) string {
	return truncateRunes(strings.TrimSpace(note), MaxNoteLength, "")
}

func truncateRunes(s string, max int, suffix string) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-utf8.RuneCountInString(suffix)]) + suffix
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampDiscoveryLimit returns the engager limit to use for a discovery job.
func ClampDiscoveryLimit(n int) int {
	if n <= 0 {
		return DefaultDiscoveryLimit
	}
	if n > MaxDiscoveryLimit {
		return MaxDiscoveryLimit
	}
	return n
}

// ClampDelay bounds an inter-action delay range to [1s, MaxDelaySeconds] and
// guarantees min <= max.
func ClampDelay(minSec, maxSec int) (time.Duration, time.Duration) {
	clamp := func(n int) int {
		if n < 1 {
			return 1
		}
		if n > MaxDelaySeconds {
			return MaxDelaySeconds
		}
		return n
	}
	lo, hi := clamp(minSec), clamp(maxSec)
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo) * time.Second, time.Duration(hi) * time.Second
}

// SecretEqual compares a supplied secret against the expected one in
// constant time. An empty expected secret never matches.
func SecretEqual(supplied, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) == 1
}

var profileNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// ProfileName builds the provider-side browser profile name for a user.
func ProfileName(workspaceID, userID string) string {
	name := profileNameChars.ReplaceAllString("hp-li-"+workspaceID+"-"+userID, "-")
	if len(name) > MaxProfileNameLength {
		name = name[:MaxProfileNameLength]
	}
	return strings.TrimRight(name, "-")
}
