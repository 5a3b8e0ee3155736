package datasync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/decent-stuff/decent-cloud/lederr"
)

// Direction reports which way a cursor walks the block stream.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
)

func (d Direction) String() string {
	if d == DirectionBackward {
		return "backward"
	}
	return "forward"
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "", "forward":
		return DirectionForward, nil
	case "backward":
		return DirectionBackward, nil
	default:
		return DirectionForward, lederr.Newf(lederr.CodeInvalidRequest, "unknown cursor direction %q", s)
	}
}

// Cursor describes a byte-oriented position into the canonical block stream.
// Positions always fall on block frame boundaries. The cursor travels as an
// urlencoded key=value string so replicas of any vintage can parse it.
type Cursor struct {
	// DataBeginPosition is the stream position of the first byte the
	// serving replica still retains (older bytes were archived).
	DataBeginPosition uint64
	// Position is where the next read or write applies.
	Position uint64
	// DataEndPosition is one past the last byte of the stream.
	DataEndPosition uint64
	// ResponseBytes is how many bytes the last fetch carried.
	ResponseBytes uint64
	Direction     Direction
	// More is set when further data remains beyond Position.
	More bool
}

// String renders the cursor in its wire form. Fields appear in a fixed
// order so the rendering is deterministic.
func (c Cursor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "data_begin_position=%d", c.DataBeginPosition)
	fmt.Fprintf(&sb, "&position=%d", c.Position)
	fmt.Fprintf(&sb, "&data_end_position=%d", c.DataEndPosition)
	fmt.Fprintf(&sb, "&response_bytes=%d", c.ResponseBytes)
	fmt.Fprintf(&sb, "&direction=%s", c.Direction)
	fmt.Fprintf(&sb, "&more=%t", c.More)
	return sb.String()
}

// ParseCursor decodes the wire form. Unknown keys are ignored so newer
// replicas can extend the cursor without breaking older ones. The empty
// string parses to the zero cursor, meaning "from the beginning".
func ParseCursor(s string) (Cursor, error) {
	var c Cursor
	if s == "" {
		return c, nil
	}
	for _, pair := range strings.Split(s, "&") {
		key, val, found := strings.Cut(pair, "=")
		if !found {
			return Cursor{}, lederr.Newf(lederr.CodeInvalidRequest, "malformed cursor fragment %q", pair)
		}
		switch key {
		case "position", "data_begin_position", "data_end_position", "response_bytes":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Cursor{}, lederr.Newf(lederr.CodeInvalidRequest, "cursor field %s: %v", key, err)
			}
			switch key {
			case "position":
				c.Position = n
			case "data_begin_position":
				c.DataBeginPosition = n
			case "data_end_position":
				c.DataEndPosition = n
			case "response_bytes":
				c.ResponseBytes = n
			}
		case "direction":
			d, err := parseDirection(val)
			if err != nil {
				return Cursor{}, err
			}
			c.Direction = d
		case "more":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Cursor{}, lederr.Newf(lederr.CodeInvalidRequest, "cursor field more: %v", err)
			}
			c.More = b
		}
	}
	return c, nil
}
