package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the on-disk caches",
	}
	cmd.AddCommand(cacheStatsCmd(), cacheClearCmd(), cacheValidateCmd())
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Run: func(cmd *cobra.Command, args []string) {
			withCacheApp(func(ctx context.Context, a *app) error {
				if a.queries != nil {
					qs, err := a.queries.Stats(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Query cache: %d entries (%d expired), %.1f MB, %d logs cached, %d hits\n",
						qs.EntryCount, qs.ExpiredCount, qs.SizeMB, qs.TotalLogsCached, qs.TotalHits)
					fmt.Printf("  path: %s\n", qs.StoragePath)
				} else {
					fmt.Println("Query cache: disabled")
				}

				n, err := a.results.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Result cache: %d entries\n", n)
				return nil
			})
		},
	}
}

func cacheClearCmd() *cobra.Command {
	var logGroup string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached queries, optionally for one log group",
		Run: func(cmd *cobra.Command, args []string) {
			withCacheApp(func(ctx context.Context, a *app) error {
				if a.queries == nil {
					fmt.Println("Query cache: disabled")
					return nil
				}
				n, err := a.queries.Clear(ctx, logGroup)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d cached queries.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&logGroup, "log-group", "", "only clear entries for this log group")
	return cmd
}

func cacheValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Scan the result cache for corrupted entries and remove them",
		Run: func(cmd *cobra.Command, args []string) {
			withCacheApp(func(ctx context.Context, a *app) error {
				report, err := a.results.ValidateAndClean(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Scanned %d entries, removed %d corrupted (%.1f%%)\n",
					report.TotalEntries, report.CorruptedCount, report.CorruptionRate*100)
				for _, id := range report.CorruptedIDs {
					fmt.Printf("  removed %s\n", id)
				}
				return nil
			})
		},
	}
}

// withCacheApp runs fn against an app built without the LLM provider.
func withCacheApp(fn func(context.Context, *app) error) {
	ctx := context.Background()
	a, err := buildApp(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
