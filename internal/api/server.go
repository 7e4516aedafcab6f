// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/api/handlers"
	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/config"
	"github.com/questarr/questarr/internal/database"
	"github.com/questarr/questarr/internal/models"
	"github.com/questarr/questarr/internal/services/hunt"
	"github.com/questarr/questarr/internal/services/indexers"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db            *database.DB
	instanceStore *models.InstanceStore
	strikeStore   *models.StrikeStore
	indexerStore  *models.IndexerStore
	clientPool    *arr.ClientPool
	huntService   *hunt.Service
	selector      *indexers.Selector
}

type Dependencies struct {
	Config        *config.AppConfig
	Version       string
	DB            *database.DB
	InstanceStore *models.InstanceStore
	StrikeStore   *models.StrikeStore
	IndexerStore  *models.IndexerStore
	ClientPool    *arr.ClientPool
	HuntService   *hunt.Service
	Selector      *indexers.Selector
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:        log.Logger.With().Str("module", "api").Logger(),
		config:        deps.Config,
		version:       deps.Version,
		db:            deps.DB,
		instanceStore: deps.InstanceStore,
		strikeStore:   deps.StrikeStore,
		indexerStore:  deps.IndexerStore,
		clientPool:    deps.ClientPool,
		huntService:   deps.HuntService,
		selector:      deps.Selector,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Token"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.db)
	instancesHandler := handlers.NewInstancesHandler(s.instanceStore, s.clientPool, s.huntService)
	huntHandler := handlers.NewHuntHandler(s.huntService)
	strikesHandler := handlers.NewStrikesHandler(s.strikeStore)
	indexersHandler := handlers.NewIndexersHandler(s.indexerStore, s.selector)

	apiRouter := chi.NewRouter()
	apiRouter.Use(requireAPIToken(s.config.Config.APIToken))

	apiRouter.Route("/instances", func(r chi.Router) {
		r.Get("/", instancesHandler.ListInstances)
		r.Post("/", instancesHandler.CreateInstance)

		r.Route("/{instanceID}", func(r chi.Router) {
			r.Get("/", instancesHandler.GetInstance)
			r.Put("/", instancesHandler.UpdateInstance)
			r.Delete("/", instancesHandler.DeleteInstance)
			r.Post("/test", instancesHandler.TestConnection)

			r.Route("/hunt", func(r chi.Router) {
				r.Get("/status", huntHandler.GetStatus)
				r.Get("/usage", huntHandler.GetUsage)
				r.Get("/ledger", huntHandler.GetLedger)
				r.Delete("/ledger", huntHandler.ResetLedger)
				r.Post("/reset", huntHandler.RequestReset)
			})

			r.Get("/strikes", strikesHandler.ListStrikes)
		})
	})

	apiRouter.Route("/indexers", func(r chi.Router) {
		r.Get("/", indexersHandler.ListIndexers)
		r.Post("/", indexersHandler.CreateIndexer)
		r.Get("/stats", indexersHandler.GetStats)

		r.Route("/{indexerID}", func(r chi.Router) {
			r.Put("/", indexersHandler.UpdateIndexer)
			r.Delete("/", indexersHandler.DeleteIndexer)
		})
	})

	apiRouter.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	r.Mount(baseURL+"api", apiRouter)

	return r
}
