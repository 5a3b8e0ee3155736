package datasync

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
)

// Syncer serves the replication protocol over a local ledger. Fetch hands
// out byte ranges of the canonical block stream; Push accepts sealed blocks
// onto an empty or trailing replica from a single authorized pusher.
type Syncer struct {
	ledger *ledger.Ledger

	mu         sync.Mutex
	pusher     *identity.Identity
	pushTokens map[string]struct{}
}

func NewSyncer(l *ledger.Ledger) *Syncer {
	return &Syncer{ledger: l, pushTokens: make(map[string]struct{})}
}

// FetchResult carries one page of the block stream plus the cursor a client
// replays to continue from where this page ends.
type FetchResult struct {
	Cursor string `json:"cursor"`
	Data   []byte `json:"data"`
}

// Fetch serves stream bytes starting at the position named by cursorStr.
// An empty cursor means "from the oldest retained byte". When the caller
// supplies a fingerprint, it must match the bytes immediately preceding the
// requested position; a mismatch means the client followed a different
// chain and has to resync from scratch, which is a distinct failure from
// simply having no data to serve.
//
// Replaying the same cursor against an unchanged ledger returns identical
// bytes and an identical continuation cursor.
func (s *Syncer) Fetch(cursorStr string, fingerprint []byte) (*FetchResult, error) {
	cur, err := ParseCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	if cur.Direction == DirectionBackward {
		return nil, lederr.New(lederr.CodeInvalidRequest, "backward fetch is not supported")
	}

	begin := s.ledger.RetainedStreamBegin()
	end := s.ledger.StreamLength()
	pos := cur.Position
	if cursorStr == "" || pos < begin {
		pos = begin
	}
	if pos > end {
		return nil, lederr.Newf(lederr.CodeCursorOutOfRange, "cursor position %d is past the stream end %d", pos, end)
	}

	if len(fingerprint) > 0 && pos >= uint64(len(fingerprint)) && pos > begin {
		local, err := s.ledger.FingerprintAt(pos, len(fingerprint))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(local, fingerprint) {
			return nil, lederr.Newf(lederr.CodeFingerprintMismatch,
				"fingerprint mismatch at position %d, client must resync from the beginning", pos)
		}
	}

	data, next, err := s.ledger.ReadStream(pos, config.MaxFetchResponseBytes)
	if err != nil {
		return nil, err
	}
	out := Cursor{
		DataBeginPosition: begin,
		Position:          next,
		DataEndPosition:   end,
		ResponseBytes:     uint64(len(data)),
		Direction:         DirectionForward,
		More:              next < end,
	}
	return &FetchResult{Cursor: out.String(), Data: data}, nil
}

// PushAuth authorizes an identity to push blocks into this replica. Only
// the first caller on an empty ledger is granted; afterwards the same
// identity may re-authorize, anyone else is refused. The returned token
// must accompany every Push.
func (s *Syncer) PushAuth(id *identity.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.pusher == nil:
		if s.ledger.BlocksCount() > 0 {
			return "", lederr.New(lederr.CodeUnauthorized, "push is only bootstrappable on an empty replica")
		}
		s.pusher = id
		logx.Info("SYNC", "push authorized for", id.String())
	case !bytes.Equal(s.pusher.Bytes(), id.Bytes()):
		return "", lederr.Newf(lederr.CodeUnauthorized, "replica already bound to pusher %s", s.pusher)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", lederr.Wrap(lederr.CodeTemporarilyUnavailable, err, "failed to mint push token")
	}
	token := hex.EncodeToString(buf)
	s.pushTokens[token] = struct{}{}
	return token, nil
}

// Push appends sealed blocks onto the replica. The cursor position must be
// the current stream length; the decoded blocks must chain exactly onto the
// local tip. A retry of bytes already applied is detected and accepted
// without effect. Any break rejects the whole batch.
func (s *Syncer) Push(token, cursorStr string, data []byte) (string, error) {
	s.mu.Lock()
	if _, ok := s.pushTokens[token]; !ok {
		s.mu.Unlock()
		return "", lederr.New(lederr.CodeUnauthorized, "unknown push token")
	}
	s.mu.Unlock()

	cur, err := ParseCursor(cursorStr)
	if err != nil {
		return "", err
	}
	end := s.ledger.StreamLength()

	if cur.Position < end {
		// Retry of an earlier push. Accept only if the bytes are the
		// ones already on disk.
		existing, _, err := s.ledger.ReadStream(cur.Position, len(data))
		if err == nil && bytes.Equal(existing, data) {
			return s.tipCursor().String(), nil
		}
		return "", lederr.Newf(lederr.CodeCursorOutOfRange,
			"push at position %d conflicts with existing stream of length %d", cur.Position, end)
	}
	if cur.Position > end {
		return "", lederr.Newf(lederr.CodeCursorOutOfRange,
			"push at position %d leaves a gap, stream ends at %d", cur.Position, end)
	}

	blocks, err := block.UnmarshalStream(data)
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.AppendSealedBlocks(blocks); err != nil {
		return "", err
	}
	logx.Info("SYNC", "accepted", len(blocks), "pushed block(s), stream length now", s.ledger.StreamLength())
	return s.tipCursor().String(), nil
}

func (s *Syncer) tipCursor() Cursor {
	end := s.ledger.StreamLength()
	return Cursor{
		DataBeginPosition: s.ledger.RetainedStreamBegin(),
		Position:          end,
		DataEndPosition:   end,
		Direction:         DirectionForward,
	}
}
