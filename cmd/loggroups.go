package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func logGroupsCmd() *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "loggroups",
		Short: "List CloudWatch log groups",
		Run: func(cmd *cobra.Command, args []string) {
			withCacheApp(func(ctx context.Context, a *app) error {
				if err := a.index.LoadAll(ctx, func(count int, msg string) {
					fmt.Fprintf(os.Stderr, "\r%s", msg)
				}); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr)

				names := a.index.Names()
				if pattern != "" {
					names = a.index.FindMatching(pattern)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Println(name)
				}

				stats := a.index.GetStats()
				fmt.Fprintf(os.Stderr, "\n%d groups, %.1f GB stored\n",
					len(names), float64(stats.TotalBytes)/(1024*1024*1024))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&pattern, "match", "p", "", "filter by name substring, case-insensitive")
	return cmd
}
