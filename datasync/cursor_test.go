package datasync

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{
		DataBeginPosition: 128,
		Position:          4096,
		DataEndPosition:   9000,
		ResponseBytes:     2048,
		Direction:         DirectionForward,
		More:              true,
	}
	s := c.String()
	assert.Equal(t, "data_begin_position=128&position=4096&data_end_position=9000&response_bytes=2048&direction=forward&more=true", s)

	parsed, err := ParseCursor(s)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestCursorEmptyStringIsZero(t *testing.T) {
	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, c)
}

func TestCursorIgnoresUnknownKeys(t *testing.T) {
	c, err := ParseCursor("position=10&future_field=abc&more=false")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Position)
}

func TestCursorRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"position",
		"position=abc",
		"more=banana",
		"direction=sideways",
		"response_bytes=-1",
	} {
		_, err := ParseCursor(s)
		assert.Error(t, err, "cursor %q must fail", s)
	}
}

func TestCursorRoundTripFuzzed(t *testing.T) {
	f := fuzz.New()
	for i := 0; i < 200; i++ {
		var c Cursor
		f.Fuzz(&c)
		// Only the two named directions survive the wire form.
		if c.Direction != DirectionBackward {
			c.Direction = DirectionForward
		}

		parsed, err := ParseCursor(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}
