package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/Amnesic-Systems/tessera/internal/config"
	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/enclave/gramine"
	"github.com/Amnesic-Systems/tessera/internal/enclave/noop"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/logger"
	"github.com/Amnesic-Systems/tessera/internal/service"
	"github.com/Amnesic-Systems/tessera/internal/tunnel"
	"github.com/Amnesic-Systems/tessera/internal/types/validate"
	"github.com/joho/godotenv"
)

const envAPIKey = "TESSERA_IAS_API_KEY"

func parseFlags(out io.Writer, args []string) (_ *config.Tessera, err error) {
	defer errs.Wrap(&err, "failed to parse flags")

	fs := flag.NewFlagSet("tessera", flag.ContinueOnError)
	fs.SetOutput(out)

	appWebSrv := fs.String(
		"app-web-srv",
		"",
		"application web server that requests are forwarded to, e.g., http://127.0.0.1:8081",
	)
	auditorsDir := fs.String(
		"auditors",
		"",
		"directory with one subdirectory per auditor",
	)
	auditorThreshold := fs.Int(
		"auditor-threshold",
		1,
		"number of auditor signatures that the enclave info requires",
	)
	debug := fs.Bool(
		"debug",
		false,
		"enable debug logging",
	)
	enclaveInfo := fs.String(
		"enclave-info",
		"",
		"TOML file with the measurement of every enclave",
	)
	envFile := fs.String(
		"env-file",
		"",
		"optional .env file that sets "+envAPIKey,
	)
	iasAddr := fs.String(
		"ias-addr",
		"",
		"host:port to dial instead of the attestation service's host",
	)
	iasHost := fs.String(
		"ias-host",
		ias.DevHost,
		"hostname of the attestation service",
	)
	iasRootCAs := fs.String(
		"ias-root-cas",
		"",
		"PEM bundle that the attestation service's TLS certificate must chain to",
	)
	iasUseNonce := fs.Bool(
		"ias-use-nonce",
		false,
		"send a nonce to the attestation service and require it in the report",
	)
	maxConns := fs.Int(
		"max-conns",
		0,
		"maximum number of concurrent connections per endpoint (0 selects the default)",
	)
	producer := fs.String(
		"producer",
		enclave.TypeGramine,
		"evidence producer: gramine or noop",
	)
	reportRootCAs := fs.String(
		"report-root-cas",
		"",
		"PEM bundle that report signing certificates must chain to",
	)
	svc := fs.String(
		"service",
		"",
		"this service's name in the topology",
	)
	testing := fs.Bool(
		"insecure",
		false,
		"enable testing by disabling platform checks and allowing the noop producer",
	)
	topology := fs.String(
		"topology",
		"",
		"topology file",
	)
	vsockPort := fs.Uint(
		"vsock-port",
		0,
		"reach the attestation service via authority-proxy on this host VSOCK port",
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var app *url.URL
	if *appWebSrv != "" {
		if app, err = url.Parse(*appWebSrv); err != nil {
			return nil, err
		}
	}
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return nil, err
		}
	}

	return &config.Tessera{
		AppWebSrv:        app,
		AuditorsDir:      *auditorsDir,
		AuditorThreshold: *auditorThreshold,
		Debug:            *debug,
		EnclaveInfo:      *enclaveInfo,
		IASAddr:          *iasAddr,
		IASAPIKey:        os.Getenv(envAPIKey),
		IASHost:          *iasHost,
		IASRootCAs:       *iasRootCAs,
		IASUseNonce:      *iasUseNonce,
		MaxConns:         *maxConns,
		Producer:         *producer,
		ReportRootCAs:    *reportRootCAs,
		Service:          *svc,
		Testing:          *testing,
		Topology:         *topology,
		VSOCKPort:        uint32(*vsockPort),
	}, nil
}

func run(ctx context.Context, out io.Writer, args []string) (err error) {
	defer errs.Wrap(&err, "failed to run tessera")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parse command line flags.
	cfg, err := parseFlags(out, args)
	if err != nil {
		return err
	}

	// Validate the configuration.
	if err := validate.Object(cfg); err != nil {
		return err
	}

	// Set up logging.
	l, err := logger.New(logger.Config{Service: cfg.Service, Debug: cfg.Debug})
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	// Initialize dependencies and start the service.
	var producer enclave.EvidenceProducer = gramine.NewProducer("")
	if cfg.Producer == enclave.TypeNoop {
		producer = noop.NewProducer()
	}
	var mechanism tunnel.Mechanism = tunnel.NewNoop()
	if cfg.VSOCKPort != 0 {
		mechanism = tunnel.NewVSOCK(tunnel.DefaultProxyCID, cfg.VSOCKPort)
	}
	return service.Run(ctx, cfg, producer, mechanism, l)
}

func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		log.Fatalf("Failed to run tessera: %v", err)
	}
}
