package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pantrykit/cyclecast/internal/engine"
	"github.com/pantrykit/cyclecast/internal/prior"
	"github.com/pantrykit/cyclecast/internal/storage"
)

var (
	// Global flags
	postgresConn string
	walPath      string
	priorsPath   string
	household    string
	product      string
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replaycheck",
		Short: "Event-log replay verification for predictor state",
		Long: `Verifies that replaying the append-only event log reproduces the stored
predictor state, and rebuilds state from a WAL file after a crash.`,
	}

	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres", "", "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&walPath, "wal", "", "WAL file to load instead of Postgres")
	rootCmd.PersistentFlags().StringVar(&priorsPath, "priors", "", "Category priors JSON file (default: built-in table)")
	rootCmd.PersistentFlags().StringVar(&household, "household", "", "Restrict to one household id")
	rootCmd.PersistentFlags().StringVar(&product, "product", "", "Restrict to one product id (requires --household)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(showCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// verifyCmd replays every pair's log and compares against stored state.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the event log and compare against stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			priors, err := loadPriors()
			if err != nil {
				return err
			}

			keys, err := selectKeys(ctx, store)
			if err != nil {
				return err
			}

			replayer := engine.NewReplayerFor(store, priors)
			diverged := 0
			for _, key := range keys {
				divs, err := replayer.Verify(ctx, key)
				if err != nil {
					return fmt.Errorf("verify %s/%s: %w", key.Household, key.Product, err)
				}
				if len(divs) == 0 {
					if verbose {
						fmt.Printf("OK    %s/%s\n", key.Household, key.Product)
					}
					continue
				}
				diverged++
				fmt.Printf("DRIFT %s/%s\n", key.Household, key.Product)
				for _, d := range divs {
					fmt.Printf("      %-22s stored=%.9f replayed=%.9f\n", d.Field, d.Stored, d.Replayed)
				}
			}

			fmt.Printf("\nChecked %d pairs, %d diverged\n", len(keys), diverged)
			if diverged > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

// rebuildCmd reconstructs predictor states from a WAL file.
func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild predictor states from a WAL file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if walPath == "" {
				return fmt.Errorf("--wal is required for rebuild")
			}
			ctx := context.Background()

			entries, err := storage.ReplayWAL(walPath)
			if err != nil {
				return fmt.Errorf("failed to read WAL: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("WAL is empty")
				return nil
			}

			mem := storage.NewMemory(nil)
			mem.RestoreEntries(entries)

			priors, err := loadPriors()
			if err != nil {
				return err
			}

			// The memory store has no states yet; the pair set comes from
			// the log itself.
			seen := map[storage.Key]bool{}
			var keys []storage.Key
			for _, e := range entries {
				key := storage.Key{Household: e.Household, Product: e.Product}
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}

			replayer := engine.NewReplayerFor(mem, priors)
			for _, key := range keys {
				st, err := replayer.Rebuild(ctx, key)
				if err != nil {
					return fmt.Errorf("rebuild %s/%s: %w", key.Household, key.Product, err)
				}
				if st == nil {
					continue
				}
				params, _ := st.MarshalParams()
				fmt.Printf("%s/%s %s\n", key.Household, key.Product, params)
			}

			fmt.Printf("\nRebuilt %d pairs from %d WAL entries\n", len(keys), len(entries))
			return nil
		},
	}
}

// showCmd prints the stored state for one pair.
func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored predictor state for one pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if household == "" || product == "" {
				return fmt.Errorf("--household and --product are required for show")
			}
			ctx := context.Background()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			key := storage.Key{Household: household, Product: product}
			st, err := store.LoadState(ctx, key)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no state for %s/%s", household, product)
			}

			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func openStore(ctx context.Context) (storage.Store, error) {
	if postgresConn != "" {
		return storage.NewPostgres(postgresConn)
	}
	if walPath != "" {
		entries, err := storage.ReplayWAL(walPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read WAL: %w", err)
		}
		mem := storage.NewMemory(nil)
		mem.RestoreEntries(entries)
		return mem, nil
	}
	return nil, fmt.Errorf("one of --postgres or --wal is required")
}

func loadPriors() (*prior.Table, error) {
	if priorsPath == "" {
		return prior.Canonical(), nil
	}
	return prior.Load(priorsPath)
}

func selectKeys(ctx context.Context, store storage.Store) ([]storage.Key, error) {
	if household != "" && product != "" {
		return []storage.Key{{Household: household, Product: product}}, nil
	}
	if household != "" {
		return store.HouseholdKeys(ctx, household)
	}
	return store.Keys(ctx)
}
