package service

import (
	"net/http"

	"github.com/Amnesic-Systems/tessera/internal/channel"
	"github.com/Amnesic-Systems/tessera/internal/config"
	"github.com/Amnesic-Systems/tessera/internal/logger"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
	"github.com/Amnesic-Systems/tessera/internal/service/handle"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Tessera's URL paths.
const (
	PathIndex    = "/tessera"
	PathIdentity = "/tessera/identity"
	PathWhoami   = "/tessera/whoami"
)

func setupMiddlewares(r *chi.Mux, config *config.Tessera, log *zap.Logger) {
	if config.Debug {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  logger.Std(log),
			NoColor: true,
		}))
	}
	r.Use(middleware.Recoverer)
}

// addInternalRoutes sets up the attested endpoint that other services call.
func addInternalRoutes(
	r *chi.Mux,
	config *config.Tessera,
	id *ratls.Identity,
	log *zap.Logger,
) {
	setupMiddlewares(r, config, log)
	r.Use(channel.PeerMiddleware)

	r.Get(PathIdentity, handle.Identity(config.Service, id))
	r.Get(PathWhoami, handle.Whoami())
	addAppRoute(r, config)
}

// addExternalRoutes sets up the end-user facing API endpoint.
func addExternalRoutes(
	r *chi.Mux,
	config *config.Tessera,
	id *ratls.Identity,
	log *zap.Logger,
) {
	setupMiddlewares(r, config, log)

	r.Get(PathIndex, handle.Index(config.Service))
	r.Get(PathIdentity, handle.Identity(config.Service, id))
	addAppRoute(r, config)
}

func addAppRoute(r *chi.Mux, config *config.Tessera) {
	if config.AppWebSrv != nil {
		r.Handle("/*", handle.App(config.AppWebSrv))
		return
	}
	r.NotFound(http.NotFound)
}
