package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

var (
	initDataDir     string
	initPrivKeyPath string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize node by generating a private key and data directories",
	Long: `Initialize a new ledger node by:
- Generating a new Ed25519 private key (or reusing an existing one)
- Setting up the data directory structure for the primary and archive stores`,
	Run: func(cmd *cobra.Command, args []string) {
		initializeNode()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initDataDir, "data-dir", ".", "Directory to save node data")
	initCmd.Flags().StringVar(&initPrivKeyPath, "privkey-path", "", "Path to existing private key file (optional)")
}

func initializeNode() {
	for _, dir := range []string{
		filepath.Join(initDataDir, "ledger"),
		filepath.Join(initDataDir, "archive"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logx.Error("INIT", "failed to create directory", dir, ":", err)
			os.Exit(1)
		}
	}

	keyPath := initPrivKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(initDataDir, "node.key")
	}

	var priv ed25519.PrivateKey
	if _, err := os.Stat(keyPath); err == nil {
		priv, err = config.LoadEd25519PrivKey(keyPath)
		if err != nil {
			logx.Error("INIT", "failed to load private key:", err)
			os.Exit(1)
		}
		logx.Info("INIT", "reusing private key at", keyPath)
	} else {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			logx.Error("INIT", "failed to generate private key:", err)
			os.Exit(1)
		}
		if err := config.SaveEd25519PrivKey(keyPath, priv); err != nil {
			logx.Error("INIT", "failed to save private key:", err)
			os.Exit(1)
		}
		logx.Info("INIT", "generated new private key at", keyPath)
	}

	pub := priv.Public().(ed25519.PublicKey)
	fmt.Printf("node public key: %s\n", base58.Encode(pub))
	fmt.Printf("data directory:  %s\n", initDataDir)
}
