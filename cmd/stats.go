package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/theapemachine/mnemo/pkg/memory"
)

var (
	statsUser string

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show a user's memory statistics",
		RunE:  runStats,
	}

	exportUser   string
	exportFormat string
	exportOut    string

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export a user's memories to JSON or CSV",
		RunE:  runExport,
	}
)

func init() {
	statsCmd.Flags().StringVar(&statsUser, "user", "", "user id")
	statsCmd.MarkFlagRequired("user")

	exportCmd.Flags().StringVar(&exportUser, "user", "", "user id")
	exportCmd.Flags().StringVar(&exportFormat, "format", memory.FormatJSON, "json or csv")
	exportCmd.Flags().StringVar(&exportOut, "output", "", "output file (defaults to stdout)")
	exportCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(statsCmd, exportCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()

	if err != nil {
		return err
	}

	defer rt.Close()

	stats, err := rt.manager.Stats(cmd.Context(), statsUser)

	if err != nil {
		return err
	}

	fmt.Printf("user %s\n", stats.UserID)
	fmt.Printf("  episodic: %d (%d active, %d archived, %d compressed)\n",
		stats.TotalEpisodic, stats.Active, stats.Archived, stats.Compressed)
	fmt.Printf("  semantic: %d\n", stats.TotalSemantic)

	if stats.OldestMemory != nil {
		fmt.Printf("  span: %s .. %s\n",
			stats.OldestMemory.Format("2006-01-02"),
			stats.NewestMemory.Format("2006-01-02"))
	}

	if len(stats.TopKeywords) > 0 {
		fmt.Println("  top keywords:")

		for _, kw := range stats.TopKeywords {
			fmt.Printf("    %-20s %d\n", kw.Keyword, kw.Count)
		}
	}

	if len(stats.EventDistribution) > 0 {
		fmt.Println("  events:")

		for eventType, count := range stats.EventDistribution {
			fmt.Printf("    %-20s %d\n", eventType, count)
		}
	}

	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()

	if err != nil {
		return err
	}

	defer rt.Close()

	out := os.Stdout

	if exportOut != "" {
		out, err = os.Create(exportOut)

		if err != nil {
			return err
		}

		defer out.Close()
	}

	return rt.manager.WriteExport(cmd.Context(), out, exportUser, exportFormat)
}
