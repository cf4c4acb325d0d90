package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/store"
)

var keysFlags struct {
	provider string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider credential keys",
}

var keysImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import keys from a file into a provider pool",
	Long: `Import keys from a text file, one key per line. Blank lines are
skipped. A line may carry an endpoint-variant hint after a pipe separator:

  sk-abc123
  sk-def456|eu

Keys already present in the pool are counted as duplicates and left
untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysImport,
}

var keysPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete disabled keys from the database",
	RunE:  runKeysPrune,
}

func init() {
	keysImportCmd.Flags().StringVar(&keysFlags.provider, "provider", "", "key pool id (required)")
	keysImportCmd.MarkFlagRequired("provider")

	keysCmd.AddCommand(keysImportCmd)
	keysCmd.AddCommand(keysPruneCmd)
	rootCmd.AddCommand(keysCmd)
}

// openStore loads the configuration and opens the sqlite store for
// one-shot CLI commands.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.NewSQLiteStoreWithConfig(store.SQLiteConfig{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

func runKeysImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var imported, duplicates, errors int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var md store.KeyMetadata
		secret, variant, found := strings.Cut(line, "|")
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		if found {
			md.Endpoint = strings.TrimSpace(variant)
		}

		inserted, err := st.InsertKey(cmd.Context(), keysFlags.provider, secret, md)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "error inserting key: %v\n", err)
			errors++
		case inserted:
			imported++
		default:
			duplicates++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	fmt.Printf("import done. imported: %d, duplicates: %d, errors: %d\n", imported, duplicates, errors)
	return nil
}

func runKeysPrune(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.PruneDisabledKeys(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to prune keys: %w", err)
	}
	fmt.Printf("pruned %d disabled keys\n", n)
	return nil
}
