// Command goeipctl is a Cobra-based CLI front end over pkg/client,
// replacing the teacher's one-binary-per-tool cmd/read_tag_single,
// cmd/write_tag_single, cmd/list_tags, and cmd/list_identity layout with a
// single tool with subcommands, flag conventions, and help text in the
// shape the retrieval pack's Cobra-based client (tonylturner-cipdip) uses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coriolis-automation/goeip/internal"
)

var (
	flagAddr    string
	flagVerbose bool

	logger internal.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goeipctl",
		Short:         "Command-line client for EtherNet/IP (CIP and PCCC) PLC tags",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagVerbose {
				logger = internal.NewConsoleLogger()
			} else {
				logger = internal.NopLogger()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagAddr, "addr", "192.168.1.10:44818", "PLC gateway address (host[:port])")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable leveled logging to stderr")

	root.AddCommand(newReadTagCmd())
	root.AddCommand(newWriteTagCmd())
	root.AddCommand(newListTagsCmd())
	root.AddCommand(newListIdentityCmd())
	return root
}
