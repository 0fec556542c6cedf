package main

import (
	"fmt"

	"github.com/Amnesic-Systems/tessera/internal/policy"
	"github.com/spf13/cobra"
)

type graphOpts struct {
	topology         string
	enclaveInfo      string
	auditorsDir      string
	auditorThreshold int
}

func newGraphCmd() *cobra.Command {
	var o graphOpts
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the permitted call graph of a topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, &o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.topology, "topology", "", "topology file")
	f.StringVar(&o.enclaveInfo, "enclave-info", "", "TOML file with the measurement of every enclave")
	f.StringVar(&o.auditorsDir, "auditors", "", "directory with one subdirectory per auditor")
	f.IntVar(&o.auditorThreshold, "auditor-threshold", 0, "number of auditor signatures that the enclave info requires")
	_ = cmd.MarkFlagRequired("topology")
	_ = cmd.MarkFlagRequired("enclave-info")
	return cmd
}

func runGraph(cmd *cobra.Command, o *graphOpts) error {
	var auditors []policy.Auditor
	if o.auditorsDir != "" {
		var err error
		if auditors, err = policy.LoadAuditors(o.auditorsDir); err != nil {
			return err
		}
	}
	info, err := policy.LoadEnclaveInfo(o.enclaveInfo, auditors, o.auditorThreshold)
	if err != nil {
		return err
	}
	topo, err := policy.LoadTopology(o.topology, info)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, name := range topo.Services() {
		svc, err := topo.Service(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", keyFmt(name), dimFmt("("+svc.Enclave+")"))
		fmt.Fprintf(out, "  internal %s %s\n", svc.Internal.ListenAddress, svc.Internal.Inbound)
		if svc.API != nil {
			fmt.Fprintf(out, "  api      %s %s\n", svc.API.ListenAddress, svc.API.Inbound)
		}
	}
	fmt.Fprintln(out)
	for _, e := range topo.CallGraph() {
		fmt.Fprintf(out, "%s -> %s\n", e.Caller, e.Callee)
	}
	return nil
}
