package cmd

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/decent-stuff/decent-cloud/archive"
	"github.com/decent-stuff/decent-cloud/block"
	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/contracts"
	"github.com/decent-stuff/decent-cloud/datasync"
	"github.com/decent-stuff/decent-cloud/db"
	"github.com/decent-stuff/decent-cloud/jsonrpc"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/monitoring"
	"github.com/decent-stuff/decent-cloud/registry"
	"github.com/decent-stuff/decent-cloud/reputation"
	"github.com/decent-stuff/decent-cloud/rewards"
	"github.com/decent-stuff/decent-cloud/store"
	"github.com/decent-stuff/decent-cloud/token"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

const configOverridesPath = "config/config.ini"

var genesisPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger node",
	Run: func(cmd *cobra.Command, args []string) {
		runNode(genesisPath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&genesisPath, "genesis", "g", "config/genesis.yml", "Path to genesis configuration file")
}

func runNode(genesisPath string) {
	cfg, err := config.LoadGenesisConfig(genesisPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ApplyOverrides(cfg, configOverridesPath); err != nil {
		log.Fatalf("Failed to apply configuration overrides: %v", err)
	}

	for _, dir := range []string{cfg.Ledger.DataDir, cfg.Ledger.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	primary, err := db.NewLevelDBProvider(cfg.Ledger.DataDir)
	if err != nil {
		log.Fatalf("Failed to open primary store: %v", err)
	}
	defer primary.Close()

	cold, err := db.NewBoltProvider(filepath.Join(cfg.Ledger.ArchiveDir, "archive.db"))
	if err != nil {
		log.Fatalf("Failed to open archive store: %v", err)
	}
	arc, err := archive.Open(cold, "http://"+cfg.SelfNode.ListenAddr)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer arc.Close()

	chain, err := ledger.Open(store.NewBlockStore(primary), arc)
	if err != nil && chain == nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	if err != nil {
		logx.Error("NODE", "ledger opened poisoned, node serves reads only:", err)
	}

	tok := token.NewLedger(chain)
	if err := tok.Replay(); err != nil {
		log.Fatalf("Failed to replay token state: %v", err)
	}
	if err := fundGenesisAccounts(chain, tok, cfg.Accounts); err != nil {
		log.Fatalf("Failed to fund genesis accounts: %v", err)
	}

	rep := reputation.NewTracker(chain)
	if err := rep.Replay(); err != nil {
		log.Fatalf("Failed to replay reputation state: %v", err)
	}
	reg := registry.New(chain, tok, rep)
	if err := reg.Replay(); err != nil {
		log.Fatalf("Failed to replay registry state: %v", err)
	}
	book := contracts.NewBook(chain, tok, reg)
	if err := book.Replay(); err != nil {
		log.Fatalf("Failed to replay contract state: %v", err)
	}

	schedule := rewards.DefaultSchedule()
	if cfg.Rewards.SchedulePath != "" {
		schedule, err = rewards.LoadSchedule(cfg.Rewards.SchedulePath)
		if err != nil {
			log.Fatalf("Failed to load emission schedule: %v", err)
		}
	}
	var split rewards.SplitStrategy = rewards.EqualSplit{}
	if cfg.Rewards.Split == "reputation" {
		split = rewards.WeightedSplit{}
	}
	interval := time.Duration(cfg.Rewards.IntervalSecs) * time.Second
	eng := rewards.NewEngine(chain, tok, rep, reg, schedule, split, interval)
	if err := eng.Replay(); err != nil {
		log.Fatalf("Failed to replay reward state: %v", err)
	}

	syncer := datasync.NewSyncer(chain)
	migrator := archive.NewMigrator(chain, arc, cfg.Ledger.RetainBlocks)

	monitoring.InitMetrics()
	monitoring.SetBlockHeight(chain.BlocksCount())
	if cfg.SelfNode.MetricsAddr != "" {
		mux := http.NewServeMux()
		monitoring.RegisterMetrics(mux)
		go http.ListenAndServe(cfg.SelfNode.MetricsAddr, mux)
	}

	srv := jsonrpc.NewServer(cfg.SelfNode.ListenAddr, chain, tok, syncer, reg, rep, eng, book)
	if corsCfg, ok := jsonrpc.CORSFromEnv(); ok {
		srv.SetCORSConfig(corsCfg)
	}
	srv.Start()

	go sealLoop(chain, eng, migrator, interval)

	logx.Info("NODE", "node is up, listening on", cfg.SelfNode.ListenAddr)
	select {}
}

// fundGenesisAccounts mints the configured initial balances into block zero
// of a brand-new chain. An existing chain is left untouched.
func fundGenesisAccounts(chain *ledger.Ledger, tok *token.Ledger, accounts []config.GenesisAccount) error {
	if chain.BlocksCount() > 0 || len(accounts) == 0 {
		return nil
	}
	for _, a := range accounts {
		owner, err := base58.Decode(a.Account)
		if err != nil {
			return err
		}
		if _, err := tok.Mint(token.AccountFromPubkey(owner), a.Amount, []byte("genesis allocation"), 0); err != nil {
			return err
		}
	}
	ref, err := chain.Commit()
	if err != nil {
		return err
	}
	logx.Info("NODE", "genesis block sealed at offset", ref.Offset, "with", len(accounts), "allocation(s)")
	return nil
}

// sealLoop drives the wall-clock cadence: each tick distributes rewards,
// seals the next-block buffer and migrates blocks past the retention
// horizon. Distribution is internally idempotent per cadence window, so an
// extra tick cannot double-mint.
func sealLoop(chain *ledger.Ledger, eng *rewards.Engine, migrator *archive.Migrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeal := time.Now()
	for range ticker.C {
		if minted, err := eng.Distribute(); err != nil {
			logx.Error("NODE", "reward distribution failed:", err)
		} else if minted > 0 {
			monitoring.AddRewardMintedE9s(minted)
		}

		monitoring.SetBufferEntries(len(chain.NextBlockEntries("")))
		ref, err := chain.Commit()
		switch {
		case err == nil:
			monitoring.SetBlockHeight(chain.BlocksCount())
			monitoring.RecordBlockSealTime(time.Since(lastSeal))
			lastSeal = time.Now()
			if b, berr := chain.BlockAt(ref.Offset); berr == nil {
				monitoring.RecordEntriesInBlock(len(b.Entries))
				monitoring.RecordBlockSizeBytes(block.MarshaledSize(b))
			}
			monitoring.SetBufferEntries(0)
			logx.Info("NODE", "sealed block", ref.Offset)
		case errors.Is(err, ledger.ErrEmptyBuffer):
			// Nothing happened this window.
		default:
			logx.Error("NODE", "commit failed:", err)
		}

		moved, err := migrator.Run()
		if err != nil {
			logx.Error("NODE", "archive migration failed:", err)
		} else if moved > 0 {
			monitoring.AddArchivedBlocks(moved)
		}
	}
}
