package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Print the zones and the initial free lists of a table size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		sys, err := buildSystem(tableFlags, deviceFlags{}, true)
		if err != nil {
			return err
		}
		defer sys.mapper.Close()

		stats := sys.mapper.Stats()

		fmt.Printf("%d table pages map %d IOVA pages in %d zones, %d pages free\n",
			stats.ARTPages, stats.RegionPages, stats.NumZones, stats.FreePages)

		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "zone\tblock pages\tfree blocks\t")

		for _, z := range stats.Zones {
			fmt.Fprintf(tw, "%d\t%d\t%d\t\n", z.Zone, z.BlockPages, z.FreeBlocks)
		}

		return tw.Flush()
	},
}

var tableFlags tableConfig

func init() {
	addTableFlags(zonesCmd, &tableFlags)
	rootCmd.AddCommand(zonesCmd)
}
