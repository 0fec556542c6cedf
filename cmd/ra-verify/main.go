// Command ra-verify inspects and checks attested TLS endpoints from outside a
// deployment.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failFmt = color.New(color.FgRed, color.Bold).SprintFunc()
	keyFmt  = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

func newRootCmd() *cobra.Command {
	var noColor bool
	root := &cobra.Command{
		Use:   "ra-verify",
		Short: "Check attested TLS endpoints",
		Long: `ra-verify checks the attestation evidence that tessera services embed in
their TLS certificates.

Examples:
  ra-verify dial frontend.example.com:7777 --report-root-cas roots.pem \
    --mr-enclave 5a7c... --mr-signer 83d7...
  ra-verify inspect cert.pem
  ra-verify graph --topology topology.yaml --enclave-info enclave_info.toml`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(newDialCmd(), newInspectCmd(), newGraphCmd())
	return root
}

// field prints an aligned key/value line.
func field(cmd *cobra.Command, key string, value any) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", keyFmt(fmt.Sprintf("%-14s", key+":")), value)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
