package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/netmonkey/internal/scanning"
)

var (
	rangeMask int
	rangeList bool
)

var rangeCmd = &cobra.Command{
	Use:   "range [ip]",
	Short: "Show the range a sweep would cover",
	Long: `Compute the block containing ip for the given prefix length and print its
subnet mask, network and broadcast addresses and size. Nothing is sent on
the network.`,
	Example: `  netmonkey range 192.168.1.77 --mask 26
  netmonkey range 10.0.0.1 -m 30 --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRange,
}

func init() {
	rootCmd.AddCommand(rangeCmd)

	rangeCmd.Flags().IntVarP(&rangeMask, "mask", "m", 24, "CIDR prefix length, clamped into 1-32")
	rangeCmd.Flags().BoolVar(&rangeList, "list", false, "Print every address of the range")
}

func runRange(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd, map[string]string{"mask": "scan.subnet_mask"})
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Scan.StartingIP = args[0]
	}

	base, err := cfg.BaseAddr()
	if err != nil {
		return err
	}
	rng, err := scanning.NewRange(base, cfg.Scan.SubnetMask)
	if err != nil {
		return err
	}

	printRange(cmd.OutOrStdout(), rng, rangeList)
	return nil
}

func printRange(out io.Writer, rng scanning.Range, list bool) {
	fmt.Fprintf(out, "Range:        %s\n", rng)
	fmt.Fprintf(out, "Subnet mask:  %s\n", scanning.SubnetMaskDotted(rng.PrefixLen()))
	fmt.Fprintf(out, "Network:      %s\n", rng.Network())
	fmt.Fprintf(out, "Broadcast:    %s\n", rng.Broadcast())
	fmt.Fprintf(out, "Addresses:    %d\n", rng.Size())

	if !list {
		return
	}
	fmt.Fprintln(out)
	for addr := range rng.All() {
		fmt.Fprintln(out, addr)
	}
}
