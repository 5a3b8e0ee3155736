package config

// Entry labels recognized by the interpreters layered on the ledger store.
// The store itself is label-agnostic.
const (
	LabelDCTokenApproval    = "DCTokenApproval"
	LabelDCTokenTransfer    = "DCTokenTransfer"
	LabelNPCheckIn          = "NPCheckIn"
	LabelNPOffering         = "NPOffering"
	LabelNPProfile          = "NPProfile"
	LabelNPRegister         = "NPRegister"
	LabelReputationAge      = "RepAge"
	LabelReputationChange   = "RepChange"
	LabelRewardDistribution = "RewardDistr"
	LabelUserRegister       = "UserRegister"
	LabelContractSignReq    = "ContractSignReq"
	LabelContractSignReply  = "ContractSignReply"
)

// Token parameters. Amounts are unsigned fixed-point integers in e9s
// (1 token = 1e9 units).
const (
	TokenDecimals        = 9
	TokenDecimalsDiv     = uint64(1_000_000_000)
	TokenTotalSupplyE9s  = 21_000_000 * TokenDecimalsDiv
	TokenTransferFeeE9s  = uint64(1_000_000)
	TokenSymbol          = "DC"
	TokenName            = "Decent Cloud"
)

// Reward emission parameters.
const (
	// BlockIntervalSecs is the reward cycle cadence.
	BlockIntervalSecs = uint64(600)
	// RewardHalvingAfterBlocks halves the per-cycle emission every this
	// many reward distributions.
	RewardHalvingAfterBlocks = uint64(210_000)
	// InitialRewardE9s is the emission of the very first cycle.
	InitialRewardE9s = 50 * TokenDecimalsDiv
	// FirstBlockTimestampNs anchors the halving schedule.
	FirstBlockTimestampNs = uint64(1704063600) * 1_000_000_000
)

// Reputation parameters.
const (
	MaxReputationIncreasePerTx = int64(10 * 1_000_000_000)
	// MaxReputationAgingStep caps the cadence windows one aging event covers.
	MaxReputationAgingStep = uint64(100)
	DefaultAgingFactorPPM  = uint64(10_000)
)

// Registration fee, charged once per identity and burned. Paying it also
// seeds the identity's reputation.
const RegistrationFeeE9s = TokenDecimalsDiv / 2

// Ledger store limits.
const (
	MaxPubkeyBytes    = 32
	MaxEntryBytes     = 1 << 20  // single entry ceiling
	MaxBlockBytes     = 8 << 20  // cumulative next-block buffer ceiling
	MaxQueryLimit     = 1000
	DefaultQueryLimit = 100
)

// Sync protocol limits.
const (
	// MaxFetchResponseBytes bounds a single fetch page.
	MaxFetchResponseBytes = 2 * 1024 * 1024
	// FetchFingerprintLen is how many bytes before the fetch position are
	// compared as a quick divergence check.
	FetchFingerprintLen = 16
)

// Transfer deduplication window: a transfer with a created_at_time older
// than TxWindowSecs (plus drift) is rejected as TooOld, and identical
// submissions inside the window return the original block index.
const (
	TxWindowSecs        = uint64(24 * 3600)
	PermittedDriftSecs  = uint64(60)
)

// Archive defaults.
const (
	// DefaultRetainBlocks is how many trailing blocks the primary store
	// keeps before delegating history to the archive.
	DefaultRetainBlocks = uint64(100_000)
)
