package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/sniper/pkg/core"
)

func TestValidateIdentifier(t *testing.T) {
	for _, id := range []string{"ws-1", "user_42", "a", "org:team.1", "3f2a6c1e-0000-4000-8000-000000000000"} {
		assert.NoError(t, ValidateIdentifier("workspace_id", id), id)
	}
	for _, id := range []string{"", "-lead", "has space", "semi;colon", strings.Repeat("a", 65)} {
		err := ValidateIdentifier("workspace_id", id)
		assert.ErrorIs(t, err, core.ErrInvalidInput, id)
	}
}

func TestValidateTimezone(t *testing.T) {
	assert.NoError(t, ValidateTimezone("UTC"))
	assert.NoError(t, ValidateTimezone("America/Chicago"))
	assert.ErrorIs(t, ValidateTimezone(""), core.ErrInvalidInput)
	assert.ErrorIs(t, ValidateTimezone("Nowhere/Special"), core.ErrInvalidInput)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "line1\nline2", SanitizeErrorMessage("line1\nline2"))
	assert.Equal(t, "nullbyte", SanitizeErrorMessage("null\x00byte"))
	assert.Equal(t, "bell", SanitizeErrorMessage("be\x07ll"))

	long := strings.Repeat("x", MaxErrorMessageLength+100)
	out := SanitizeErrorMessage(long)
	assert.Equal(t, MaxErrorMessageLength, len(out))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestTruncateNote(t *testing.T) {
	assert.Equal(t, "hello", TruncateNote("  hello  "))

	note := strings.Repeat("é", MaxNoteLength+20)
	out := TruncateNote(note)
	assert.Equal(t, MaxNoteLength, len([]rune(out)))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 1, ClampConcurrency(-5))
	assert.Equal(t, 8, ClampConcurrency(8))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(MaxConcurrency+1))
}

func TestClampDiscoveryLimit(t *testing.T) {
	assert.Equal(t, DefaultDiscoveryLimit, ClampDiscoveryLimit(0))
	assert.Equal(t, 1, ClampDiscoveryLimit(1))
	assert.Equal(t, MaxDiscoveryLimit, ClampDiscoveryLimit(5000))
}

func TestClampDelay(t *testing.T) {
	lo, hi := ClampDelay(30, 90)
	assert.Equal(t, 30*time.Second, lo)
	assert.Equal(t, 90*time.Second, hi)

	lo, hi = ClampDelay(0, -1)
	assert.Equal(t, time.Second, lo)
	assert.Equal(t, time.Second, hi)

	lo, hi = ClampDelay(120, 60)
	assert.Equal(t, 120*time.Second, lo)
	assert.Equal(t, 120*time.Second, hi, "max never below min")

	_, hi = ClampDelay(10, 99999)
	assert.Equal(t, MaxDelaySeconds*time.Second, hi)
}

func TestSecretEqual(t *testing.T) {
	assert.True(t, SecretEqual("s3cret", "s3cret"))
	assert.False(t, SecretEqual("s3cre", "s3cret"))
	assert.False(t, SecretEqual("", ""))
	assert.False(t, SecretEqual("anything", ""))
}

func TestProfileName(t *testing.T) {
	assert.Equal(t, "hp-li-ws-1-user-2", ProfileName("ws_1", "user.2"))

	long := ProfileName(strings.Repeat("w", 60), strings.Repeat("u", 60))
	assert.LessOrEqual(t, len(long), MaxProfileNameLength)
	assert.True(t, strings.HasPrefix(long, "hp-li-"))
}
