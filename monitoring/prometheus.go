package monitoring

import (
	"net/http"
	"time"

	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type EntryRejectedReason string

var (
	EntryInvalidSignature  EntryRejectedReason = "invalid_signature"
	EntryNotRegistered     EntryRejectedReason = "not_registered"
	EntryBadFee            EntryRejectedReason = "bad_fee"
	EntryDuplicated        EntryRejectedReason = "duplicated"
	EntryInsufficientFunds EntryRejectedReason = "insufficient_funds"
	EntryTooLarge          EntryRejectedReason = "too_large"
	EntryRejectedUnknown   EntryRejectedReason = "other"
)

type nodePromMetrics struct {
	nodeUpUnixSeconds  prometheus.Gauge
	bufferEntries      prometheus.Gauge
	blockHeight        prometheus.Gauge
	blockSizeBytes     prometheus.Histogram
	entriesInBlock     prometheus.Histogram
	blockSealTime      prometheus.Histogram
	rejectedEntryCount *prometheus.CounterVec
	ingressEntryCount  prometheus.Counter
	fetchServedBytes   prometheus.Counter
	pushedBlockCount   prometheus.Counter
	archivedBlockCount prometheus.Counter
	rewardMintedE9s    prometheus.Counter
	checkInCount       prometheus.Counter
	openContracts      prometheus.Gauge
}

func newNodePromMetrics() *nodePromMetrics {
	return &nodePromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dc_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the node",
			},
		),
		bufferEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dc_node_buffer_entries",
				Help: "The total entries queued in the next-block buffer",
			},
		),
		blockHeight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dc_node_block_height",
				Help: "The current committed block count",
			},
		),
		blockSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "dc_node_block_size_bytes",
				Help: "The sealed block size in bytes",
			},
		),
		entriesInBlock: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "dc_node_entries_in_block",
				Help: "Number of entries in a sealed block",
			},
		),
		blockSealTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name: "dc_node_block_seal_time",
				Help: "Duration in second between sealing of two consecutive blocks",
			},
		),
		rejectedEntryCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dc_node_rejected_entry_count",
				Help: "The total number of rejected entries",
			},
			[]string{"reason"},
		),
		ingressEntryCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_ingress_entry_count",
				Help: "The total number of ingress entries (received from client)",
			},
		),
		fetchServedBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_fetch_served_bytes",
				Help: "The total stream bytes served to fetching replicas",
			},
		),
		pushedBlockCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_pushed_block_count",
				Help: "The total number of blocks accepted via push",
			},
		),
		archivedBlockCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_archived_block_count",
				Help: "The total number of blocks migrated to the archive",
			},
		),
		rewardMintedE9s: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_reward_minted_e9s",
				Help: "The total reward amount minted, in e9s",
			},
		),
		checkInCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dc_node_check_in_count",
				Help: "The total number of accepted provider check-ins",
			},
		),
		openContracts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dc_node_open_contracts",
				Help: "Number of contracts awaiting a provider reply",
			},
		),
	}
}

var nodeMetrics *nodePromMetrics

// InitMetrics initialize metrics for node but not expose to api yet
func InitMetrics() {
	nodeMetrics = newNodePromMetrics()
	nodeMetrics.nodeUpUnixSeconds.SetToCurrentTime()
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetBufferEntries(count int) {
	nodeMetrics.bufferEntries.Set(float64(count))
}

func SetBlockHeight(height uint64) {
	nodeMetrics.blockHeight.Set(float64(height))
}

func RecordBlockSizeBytes(sizeBytes int) {
	nodeMetrics.blockSizeBytes.Observe(float64(sizeBytes))
}

func RecordEntriesInBlock(count int) {
	nodeMetrics.entriesInBlock.Observe(float64(count))
}

func RecordBlockSealTime(duration time.Duration) {
	nodeMetrics.blockSealTime.Observe(duration.Seconds())
}

func RecordRejectedEntry(reason EntryRejectedReason) {
	nodeMetrics.rejectedEntryCount.With(prometheus.Labels{
		"reason": string(reason),
	}).Inc()
}

func IncreaseIngressEntryCount() {
	nodeMetrics.ingressEntryCount.Inc()
}

func AddFetchServedBytes(n int) {
	nodeMetrics.fetchServedBytes.Add(float64(n))
}

func AddPushedBlocks(n int) {
	nodeMetrics.pushedBlockCount.Add(float64(n))
}

func AddArchivedBlocks(n uint64) {
	nodeMetrics.archivedBlockCount.Add(float64(n))
}

func AddRewardMintedE9s(n uint64) {
	nodeMetrics.rewardMintedE9s.Add(float64(n))
}

func IncreaseCheckInCount() {
	nodeMetrics.checkInCount.Inc()
}

func SetOpenContracts(count int) {
	nodeMetrics.openContracts.Set(float64(count))
}
