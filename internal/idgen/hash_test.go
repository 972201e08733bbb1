package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeBase36PadsToLength(t *testing.T) {
	got := EncodeBase36([]byte{0x00}, 4)
	require.Len(t, got, 4)
	require.Equal(t, "0000", got)
}

func TestEncodeBase36TruncatesToLeastSignificantDigits(t *testing.T) {
	full := EncodeBase36([]byte{0xff, 0xff, 0xff}, 8)
	short := EncodeBase36([]byte{0xff, 0xff, 0xff}, 3)
	require.Len(t, short, 3)
	require.Equal(t, full[len(full)-3:], short)
}

func TestEncodeBase36OnlyUsesAlphabetCharacters(t *testing.T) {
	got := EncodeBase36([]byte{0x12, 0x34, 0x56, 0x78}, 6)
	for _, r := range got {
		require.Contains(t, base36Alphabet, string(r))
	}
}

func TestGenerateHashIDHasPrefixAndLength(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	id := GenerateHashID("bd", "title", "description", "agent-a", now, 6, 0)
	require.Regexp(t, `^bd-[0-9a-z]{6}$`, id)
}

func TestGenerateHashIDIsDeterministicForSameInputs(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	a := GenerateHashID("bd", "title", "description", "agent-a", now, 6, 0)
	b := GenerateHashID("bd", "title", "description", "agent-a", now, 6, 0)
	require.Equal(t, a, b)
}

func TestGenerateHashIDNonceChangesOutputOnCollision(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	a := GenerateHashID("bd", "title", "description", "agent-a", now, 6, 0)
	b := GenerateHashID("bd", "title", "description", "agent-a", now, 6, 1)
	require.NotEqual(t, a, b)
}

func TestGenerateHashIDUnknownLengthFallsBackToThreeByteHash(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	id := GenerateHashID("bd", "title", "description", "agent-a", now, 99, 0)
	require.Regexp(t, `^bd-[0-9a-z]{99}$`, id)
}
