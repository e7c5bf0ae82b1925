package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageAddReaderIsIdempotent(t *testing.T) {
	msg := Message{ID: "m1"}

	assert.True(t, msg.AddReader("u1"))
	assert.False(t, msg.AddReader("u1"))
	assert.True(t, msg.AddReader("u2"))
	assert.Equal(t, []string{"u1", "u2"}, msg.Readers)
}

func TestMessageCloneDoesNotShareReaders(t *testing.T) {
	msg := Message{ID: "m1", Readers: []string{"u1"}}

	clone := msg.Clone()
	clone.AddReader("u2")

	assert.Equal(t, []string{"u1"}, msg.Readers)
	assert.Equal(t, []string{"u1", "u2"}, clone.Readers)
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hi", "hi"},
		{"  hi  ", "hi"},
		{"\t\n ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeContent(tt.in), "input %q", tt.in)
	}
}

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("general"))
	assert.ErrorIs(t, ValidateRoomID(""), ErrInvalidRoomID)
	assert.ErrorIs(t, ValidateRoomID("   "), ErrInvalidRoomID)
	assert.ErrorIs(t, ValidateRoomID(strings.Repeat("r", MaxRoomIDLength+1)), ErrInvalidRoomID)
}

func TestIdentityValid(t *testing.T) {
	assert.True(t, Identity{UserID: "1", Username: "alice"}.Valid())
	assert.False(t, Identity{UserID: "1"}.Valid())
	assert.False(t, Identity{Username: "alice"}.Valid())
}
