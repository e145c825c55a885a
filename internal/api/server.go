package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hypernovalabs/yp-qr-sub000/internal/core"
	"github.com/hypernovalabs/yp-qr-sub000/internal/pos"
	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

// SaleRunner is the slice of the orchestrator the API drives.
type SaleRunner interface {
	Process(ctx context.Context, req pos.Request) (pos.Result, error)
	Cancel() bool
	Busy() (bool, string)
}

// ResultSource serves journaled results for POS pickup.
type ResultSource interface {
	FetchForPOS(posTxnID string, limit int) ([]core.ResultItem, error)
	Peek(posTxnID string, limit int) ([]core.ResultItem, error)
	DrainAll() ([]core.ResultItem, error)
}

// Server handles HTTP communication from the POS side.
type Server struct {
	*http.Server
	Logger          *log.Logger
	SettingsManager *settings.Manager
	Results         ResultSource
	Sales           SaleRunner
}

// NewServer creates and configures a new server for POS communication.
func NewServer(addr string, logger *log.Logger, sm *settings.Manager, results ResultSource, sales SaleRunner) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		Server: &http.Server{
			Addr:    addr,
			Handler: r,
			// No WriteTimeout: a sale request legitimately blocks for the
			// whole polling session (minutes at the 12-attempt cap).
			ReadTimeout:    5 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Logger:          logger,
		SettingsManager: sm,
		Results:         results,
		Sales:           sales,
	}

	r.Post("/sale", s.saleHandler)
	r.Post("/sale/cancel", s.cancelHandler)
	r.Post("/pos_config", s.settingsHandler)
	r.Get("/pos_config/current", s.currentSettingsHandler)
	r.Get("/results", s.resultsHandler) // POS polls for journaled results
	r.Get("/status", s.statusHandler)
	r.Get("/health", s.healthHandler)

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	return s.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}
