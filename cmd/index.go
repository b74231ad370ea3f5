package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/database"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the in-memory vector index snapshot",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the HNSW index from the database and save its snapshot",
	Long: `Rebuild the HNSW vector index from the database and write a fresh
snapshot to database.index_path, so the next server start can load it instead
of scanning every vector.`,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.IndexPath == "" {
		return errors.New("database.index_path must be set to rebuild the index snapshot")
	}
	ctx := context.Background()
	start := time.Now()

	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	count, err := rebuildIndexSnapshot(ctx, store, cfg.Database.IndexPath, logger)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("No vectors stored, nothing to index.")
		return nil
	}

	fmt.Printf("Index rebuilt with %d vectors in %s (saved to %s)\n",
		count, time.Since(start).Round(time.Millisecond), cfg.Database.IndexPath)
	return nil
}

// rebuildIndexSnapshot drops any snapshot at path, rebuilds the index from
// store and saves it again. An empty store leaves no snapshot behind.
func rebuildIndexSnapshot(ctx context.Context, store database.Store, path string, logger *slog.Logger) (int, error) {
	for _, p := range []string{path, path + ".meta"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("removing old snapshot: %w", err)
		}
	}

	indexed := database.NewIndexedStore(store, path, logger)
	if err := indexed.RebuildIndex(ctx); err != nil {
		return 0, fmt.Errorf("rebuilding index: %w", err)
	}
	count := indexed.IndexCount()
	if count == 0 {
		return 0, nil
	}
	if err := indexed.SaveIndex(ctx); err != nil {
		return 0, err
	}
	return count, nil
}
