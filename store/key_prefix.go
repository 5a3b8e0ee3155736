package store

// Declare database key prefixes for persisted objects.
const (
	// PrefixBlock + BE(offset) -> canonical block frame
	PrefixBlock = "blk:"
	// PrefixBlockHash + BE(offset) -> 32-byte block hash (never pruned)
	PrefixBlockHash = "blk_hash:"
	// PrefixBlockPos + BE(stream position) -> BE(offset) (never pruned)
	PrefixBlockPos = "blk_pos:"
	// PrefixKV + label + 0x00 + key -> op byte + latest value
	PrefixKV = "kv:"
	// PrefixLabelIdx + label + 0x00 + BE(offset) + BE(entryIdx) -> op byte
	PrefixLabelIdx = "idx:"

	PrefixMeta = "meta:"

	MetaKeyLatestOffset  = "latest_offset"
	MetaKeyNextPosition  = "next_position"
	MetaKeyFirstRetained = "first_retained"
	// MetaKeyLabelCount + label -> BE(u64) count of upsert entries
	MetaKeyLabelCount = "cnt:"
)
