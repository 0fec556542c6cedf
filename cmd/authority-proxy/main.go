package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/config"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/logger"
	"github.com/Amnesic-Systems/tessera/internal/tunnel"
	"github.com/Amnesic-Systems/tessera/internal/types/validate"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

func parseFlags(out io.Writer, args []string) (_ *config.AuthorityProxy, err error) {
	defer errs.Wrap(&err, "failed to parse flags")

	fs := flag.NewFlagSet("authority-proxy", flag.ContinueOnError)
	fs.SetOutput(out)

	debug := fs.Bool(
		"debug",
		false,
		"enable debug logging",
	)
	target := fs.String(
		"target",
		net.JoinHostPort(ias.DevHost, "443"),
		"host:port of the attestation service",
	)
	vsockPort := fs.Uint(
		"vsock-port",
		tunnel.DefaultVSOCKPort,
		"VSOCK listening port that tessera connects to",
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Build and validate the configuration.
	cfg := &config.AuthorityProxy{
		Debug:     *debug,
		Target:    *target,
		VSOCKPort: uint32(*vsockPort),
	}
	return cfg, validate.Object(cfg)
}

func listenVSOCK(port uint32) (_ net.Listener, err error) {
	defer errs.Wrap(&err, "failed to create VSOCK listener")

	cid, err := vsock.ContextID()
	if err != nil {
		return nil, err
	}
	return vsock.ListenContextID(cid, port, nil)
}

// acceptLoop forwards every connection from the enclave to target until the
// context is canceled and the listener is closed.  The proxy never looks into the forwarded bytes: tessera
// runs TLS end-to-end with the attestation service.
func acceptLoop(ctx context.Context, ln net.Listener, target string, l *zap.Logger) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.Warn("Error accepting connection.", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl := logger.WithConnection(l, conn.RemoteAddr().String())
			if err := forward(conn, target); err != nil {
				cl.Warn("Error forwarding connection.", zap.Error(err))
				return
			}
			cl.Debug("Forwarded connection.")
		}()
	}
}

func forward(enclaveConn net.Conn, target string) (err error) {
	defer errs.Wrap(&err, "failed to forward to %s", target)
	defer enclaveConn.Close()

	remote, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return err
	}
	defer remote.Close()

	// Copy in both directions.  Once one side is done, we close both
	// connections, which ends the other copy.
	ch := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		ch <- err
	}
	go cp(remote, enclaveConn)
	go cp(enclaveConn, remote)

	err = <-ch
	enclaveConn.Close()
	remote.Close()
	<-ch
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func run(ctx context.Context, out io.Writer, args []string) (err error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := parseFlags(out, args)
	if err != nil {
		return err
	}
	l, err := logger.New(logger.Config{Service: "authority-proxy", Debug: cfg.Debug})
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	// Create a VSOCK listener that listens for incoming connections from the
	// enclave.
	ln, err := listenVSOCK(cfg.VSOCKPort)
	if err != nil {
		return err
	}
	l.Info("Forwarding enclave connections.",
		zap.Uint32("vsock_port", cfg.VSOCKPort),
		zap.String("target", cfg.Target))
	done := make(chan struct{})
	go func() {
		defer close(done)
		acceptLoop(ctx, ln, cfg.Target, l)
	}()

	<-ctx.Done()
	err = errs.Add(ln.Close(), "failed to close listener")
	<-done
	return err
}

func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		log.Fatalf("Failed to run proxy: %v", err)
	}
}
