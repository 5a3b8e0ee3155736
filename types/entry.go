package types

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// Operation classifies what an entry does to its key.
type Operation uint8

const (
	OpUpsert Operation = iota
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
}

// Entry is an atomic labeled key-value record appended to the ledger.
// The store treats label, key and value uniformly; interpreters attach
// meaning per label.
type Entry struct {
	Label     string
	Key       []byte
	Value     []byte
	Operation Operation
}

func NewEntry(label string, key, value []byte, op Operation) Entry {
	return Entry{Label: label, Key: key, Value: value, Operation: op}
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] Key: %s, Value: %s", e.Label, printable(e.Key), printable(e.Value))
}

func printable(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// EntryRef locates an entry inside the chain: the block offset it will be
// (or was) committed at and its position within that block.
type EntryRef struct {
	BlockOffset uint64
	EntryIndex  int
}
