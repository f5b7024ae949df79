// Command studioctl manages the studio's local data directory: backups in
// and out of it, WebDAV sync, and a speech smoke test.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-studio/backend/internal/config"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/persistence"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
	"github.com/zhouzirui/z-studio/backend/pkg/kv"
)

var (
	dataDir string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "studioctl",
	Short: "Maintenance CLI for the Parallel Studio backend",
	Long: `studioctl operates on the same DATA_DIR as the API server.
Stop the server first: the data directory can only be opened by one process.

Examples:
  studioctl backup export --out backup.json
  studioctl backup import --in backup.json
  studioctl backup push
  studioctl speak --text "Guten Tag" --voice Kore --out hello.pcm`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("配置加载失败: %w", err)
		}
		cfg = loaded
		if dataDir == "" {
			dataDir = cfg.Storage.DataDir
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: $DATA_DIR)")
	rootCmd.AddCommand(backupCmd, speakCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// studio is an opened data directory.
type studio struct {
	kv    kv.Store
	local *persistence.Local
	store *store.Store
}

func openStudio(ctx context.Context) (*studio, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("no data directory: set DATA_DIR or --data-dir")
	}
	db, err := kv.OpenBadger(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dataDir, err)
	}
	local := persistence.NewLocal(db)
	defaults := store.Defaults(preset.Seed(), settings.Defaults(cfg.AI.Model, cfg.AI.Temperature, ""))
	return &studio{kv: db, local: local, store: store.Open(ctx, local, defaults)}, nil
}

func (s *studio) flush(ctx context.Context) error {
	return s.store.Flush(ctx, s.local)
}

func (s *studio) Close() error {
	return s.kv.Close()
}
