package main

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
	"github.com/spf13/cobra"
)

var errNoPEMCert = errors.New("no PEM certificate found")

func newInspectCmd() *cobra.Command {
	var reportRootCAs string
	cmd := &cobra.Command{
		Use:   "inspect <cert.pem>",
		Short: "Print the report embedded in a certificate",
		Long: `Decode the endorsed report that a tessera certificate carries and print its
contents.  If --report-root-cas is given, the report's signature and
certificate chain are checked as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], reportRootCAs)
		},
	}
	cmd.Flags().StringVar(&reportRootCAs, "report-root-cas", "", "PEM bundle that report signing certificates must chain to")
	return cmd
}

func readCert(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errNoPEMCert
	}
	return x509.ParseCertificate(block.Bytes)
}

func runInspect(cmd *cobra.Command, path, reportRootCAs string) error {
	cert, err := readCert(path)
	if err != nil {
		return err
	}
	endorsed, err := ratls.EndorsedReportOf(cert)
	if err != nil {
		return err
	}

	var report *ias.Report
	if reportRootCAs != "" {
		roots, err := ias.LoadRootCAs(reportRootCAs)
		if err != nil {
			return err
		}
		if report, err = endorsed.Verify(roots, time.Now()); err != nil {
			field(cmd, "signature", failFmt("INVALID"))
			return err
		}
		field(cmd, "signature", okFmt("VALID"))
	} else if report, err = ias.ParseReport(endorsed.Report); err != nil {
		return err
	}

	body := report.QuoteBody()
	field(cmd, "subject", cert.Subject.CommonName)
	field(cmd, "report id", report.ID)
	field(cmd, "timestamp", report.Timestamp)
	field(cmd, "status", report.ISVEnclaveQuoteStatus)
	field(cmd, "mr_enclave", hex.EncodeToString(body.Measurement.MREnclave[:]))
	field(cmd, "mr_signer", hex.EncodeToString(body.Measurement.MRSigner[:]))
	field(cmd, "debug", body.Debug())
	if body.BindsKey(cert.RawSubjectPublicKeyInfo) {
		field(cmd, "key binding", okFmt("OK"))
	} else {
		field(cmd, "key binding", failFmt("MISMATCH"))
	}
	if report.Nonce != "" {
		field(cmd, "nonce", report.Nonce)
	}
	if len(report.AdvisoryIDs) > 0 {
		field(cmd, "advisories", dimFmt(report.AdvisoryIDs))
	}
	return nil
}
