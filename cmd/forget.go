package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	forgetUser string

	forgetCmd = &cobra.Command{
		Use:   "forget",
		Short: "Run a forgetting cycle for a user",
		Long:  longForget,
		RunE:  runForget,
	}
)

func init() {
	forgetCmd.Flags().StringVar(&forgetUser, "user", "", "user id to run the cycle for")
	forgetCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()

	if err != nil {
		return err
	}

	defer rt.Close()

	result, err := rt.forgetter.RunCycle(cmd.Context(), forgetUser)

	if err != nil {
		return err
	}

	fmt.Printf(
		"scanned %d memories: %d archived, %d deleted, %d compressed (%dms)\n",
		result.Scanned, result.Archived, result.Deleted, result.Compressed, result.ElapsedMS,
	)

	for _, detail := range result.Details {
		if detail.MergedInto != "" {
			fmt.Printf("  %s %s -> %s\n", detail.Action, detail.MemoryID, detail.MergedInto)
			continue
		}

		fmt.Printf("  %s %s (effective %.2f)\n", detail.Action, detail.MemoryID, detail.Effective)
	}

	return nil
}

var longForget = `
Run one forgetting cycle: merge near-duplicate low-value memories, archive
memories whose effective importance decayed below the threshold, and trim
the store back under its capacity.
`
