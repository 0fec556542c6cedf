// Package service runs one service of a deployment: it creates the service's
// attested identity and serves the service's endpoints.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/Amnesic-Systems/tessera/internal/channel"
	"github.com/Amnesic-Systems/tessera/internal/config"
	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/policy"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
	"github.com/Amnesic-Systems/tessera/internal/system"
	"github.com/Amnesic-Systems/tessera/internal/tunnel"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type endpoint struct {
	srv *http.Server
	ln  net.Listener
}

// Run creates the service's identity and serves its endpoints until the
// given context is canceled.  Failing to create the identity is fatal: Run
// returns the error without retrying.
func Run(
	ctx context.Context,
	config *config.Tessera,
	producer enclave.EvidenceProducer,
	mechanism tunnel.Mechanism,
	log *zap.Logger,
) (err error) {
	defer errs.Wrap(&err, "failed to run service")

	// Run basic safety checks before starting.
	if err := checkSystemSafety(config); err != nil {
		return err
	}

	topo, err := loadTopology(config)
	if err != nil {
		return err
	}
	svc, err := topo.Service(config.Service)
	if err != nil {
		return err
	}

	// Obtain our attested identity.  This blocks until the attestation
	// service responds.
	id, err := newIdentity(ctx, config, producer, mechanism, log)
	if err != nil {
		return err
	}
	checkOwnMeasurement(id, topo, svc, log)

	reportRoots, err := ias.LoadRootCAs(config.ReportRootCAs)
	if err != nil {
		return err
	}
	ch, err := channel.New(channel.Config{
		Identity:        id,
		Roots:           reportRoots,
		AllowedStatuses: topo.AllowedStatuses,
		AllowDebug:      topo.AllowDebug,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	// Initialize Web servers.
	intSrv, err := newIntSrv(ch, svc, config, id, log)
	if err != nil {
		return err
	}
	endpoints := []*endpoint{intSrv}
	if svc.API != nil {
		extSrv, err := newExtSrv(ch, svc, config, id, log)
		if err != nil {
			intSrv.ln.Close()
			return err
		}
		endpoints = append(endpoints, extSrv)
	}

	// Start all Web servers and block until all Web servers have stopped,
	// which should only happen if the given context is canceled.
	startAllWebSrvs(ctx, log, endpoints...)
	log.Info("Exiting.")
	return nil
}

func checkSystemSafety(config *config.Tessera) error {
	if config.Testing {
		return nil
	}
	return system.CheckPlatform()
}

func loadTopology(config *config.Tessera) (*policy.Topology, error) {
	var auditors []policy.Auditor
	if config.AuditorsDir != "" {
		var err error
		if auditors, err = policy.LoadAuditors(config.AuditorsDir); err != nil {
			return nil, err
		}
	}
	info, err := policy.LoadEnclaveInfo(config.EnclaveInfo, auditors, config.AuditorThreshold)
	if err != nil {
		return nil, err
	}
	return policy.LoadTopology(config.Topology, info)
}

func newIdentity(
	ctx context.Context,
	config *config.Tessera,
	producer enclave.EvidenceProducer,
	mechanism tunnel.Mechanism,
	log *zap.Logger,
) (*ratls.Identity, error) {
	iasRoots, err := ias.LoadRootCAs(config.IASRootCAs)
	if err != nil {
		return nil, err
	}
	client, err := ias.NewClient(ias.Config{
		Host:     config.IASHost,
		Addr:     config.IASAddr,
		APIKey:   config.IASAPIKey,
		RootCAs:  iasRoots,
		Tunnel:   mechanism,
		UseNonce: config.IASUseNonce,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	log.Info("Creating attested identity.", zap.String("producer", producer.Type()))
	id, err := ratls.NewIdentity(ctx, producer, client, config.Service)
	if err != nil {
		return nil, err
	}
	fp := id.Fingerprint()
	log.Info("Created attested identity.", zap.Binary("fingerprint", fp[:]))
	return id, nil
}

// checkOwnMeasurement warns if peers will reject us because our measurement
// differs from the one in the enclave info.
func checkOwnMeasurement(id *ratls.Identity, topo *policy.Topology, svc *policy.Service, log *zap.Logger) {
	m, err := id.Measurement()
	if err != nil {
		log.Warn("Failed to determine own measurement.", zap.Error(err))
		return
	}
	for _, name := range topo.Services() {
		s, _ := topo.Service(name)
		target, ok := s.Targets[svc.Name]
		if !ok || target.Outbound.IsExternal() {
			continue
		}
		if !target.Outbound.Attribute().Contains(m) {
			log.Warn("Our measurement differs from the enclave info; callers will reject us.",
				zap.Stringer("measurement", m),
				zap.String("caller", name))
			return
		}
	}
	log.Info("Own measurement.", zap.Stringer("measurement", m))
}

func newIntSrv(
	ch *channel.Channel,
	svc *policy.Service,
	config *config.Tessera,
	id *ratls.Identity,
	log *zap.Logger,
) (*endpoint, error) {
	r := chi.NewRouter()
	addInternalRoutes(r, config, id, log)

	ln, err := ch.Listen(svc.Internal, config.MaxConns)
	if err != nil {
		return nil, err
	}
	return &endpoint{srv: ch.NewServer(r), ln: ln}, nil
}

func newExtSrv(
	ch *channel.Channel,
	svc *policy.Service,
	config *config.Tessera,
	id *ratls.Identity,
	log *zap.Logger,
) (*endpoint, error) {
	r := chi.NewRouter()
	addExternalRoutes(r, config, id, log)

	ln, err := ch.Listen(svc.API, config.MaxConns)
	if err != nil {
		return nil, err
	}
	return &endpoint{srv: ch.NewServer(r), ln: ln}, nil
}

func startAllWebSrvs(ctx context.Context, log *zap.Logger, endpoints ...*endpoint) {
	var wg = new(sync.WaitGroup)
	defer wg.Wait()

	for _, ep := range endpoints {
		startWebSrv(ctx, log, ep, wg)
	}
}

func startWebSrv(
	ctx context.Context,
	log *zap.Logger,
	ep *endpoint,
	wg *sync.WaitGroup,
) {
	addr := ep.ln.Addr().String()
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info("Starting web server.", zap.String("addr", addr))
		if err := ep.srv.Serve(ep.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Error serving.", zap.String("addr", addr), zap.Error(err))
		}
	}()

	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Info("Shutting down web server.", zap.String("addr", addr))
		// The parent context is done, so shutdown gets a fresh one.
		if err := ep.srv.Shutdown(context.Background()); err != nil {
			log.Warn("Error shutting down server.", zap.Error(err))
		}
	}()
}
