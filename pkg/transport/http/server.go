// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package http implements the broker's wire transport: a chi-routed
// HTTP server exposing the broker API, and an HTTP-backed
// worker.BrokerClient for workers that don't run in-process with the
// broker.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/ferrors"
	"github.com/jsam/fuseline/pkg/logging"
	"github.com/jsam/fuseline/pkg/metrics"
	"github.com/jsam/fuseline/pkg/schema"
)

// Server wraps a *broker.Broker with the chi router implementing the
// broker HTTP API.
type Server struct {
	broker  *broker.Broker
	log     logging.Logger
	metrics *metrics.Broker
	router  chi.Router
	srv     *http.Server
}

// NewServer builds a Server over b. log defaults to a no-op logger if nil.
func NewServer(b *broker.Broker, log logging.Logger, m *metrics.Broker) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{broker: b, log: log, metrics: m}
	s.setupRouter()
	return s
}

// Router exposes the underlying http.Handler, for tests and for
// mounting metrics alongside it.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Post("/worker/register", s.handleRegisterWorker)
	r.Post("/worker/keep-alive", s.handleKeepAlive)
	r.Get("/workers", s.handleListWorkers)
	r.Get("/status", s.handleStatus)
	r.Post("/repository/register", s.handleRegisterRepository)
	r.Get("/repository", s.handleGetRepository)
	r.Post("/workflow/dispatch", s.handleDispatchWorkflow)
	r.Get("/workflow/step", s.handleGetStep)
	r.Post("/workflow/step", s.handleReportStep)
	r.Get("/workflows", s.handleListWorkflows)
	r.Handle("/metrics", metrics.Handler())

	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logging.NewField("method", r.Method),
			logging.NewField("path", r.URL.Path),
			logging.NewField("status", ww.Status()),
			logging.NewField("duration", time.Since(start).String()),
		)
	})
}

// ListenAndServe starts the HTTP server on addr, blocking until ctx is
// cancelled, at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("broker listening", logging.NewField("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ferr *ferrors.Error
	if errors.As(err, &ferr) {
		switch ferr.Kind {
		case ferrors.KindConstruction, ferrors.KindProtocol:
			status = http.StatusBadRequest
		case ferrors.KindStorage:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var schemas []schema.WorkflowSchema
	if err := json.NewDecoder(r.Body).Decode(&schemas); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	workerID, err := s.broker.RegisterWorker(schemas)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": workerID})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	s.broker.KeepAlive(workerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.broker.ListWorkers()
	if s.metrics != nil {
		s.metrics.SetWorkersActive(len(workers))
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

func (s *Server) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	var repo broker.RepositoryInfo
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.broker.RegisterRepository(repo)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name := q.Get("name"); name != "" {
		repo, ok := s.broker.GetRepository(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "repository not found"})
			return
		}
		writeJSON(w, http.StatusOK, repo)
		return
	}

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	writeJSON(w, http.StatusOK, s.broker.ListRepositories(page, pageSize))
}

func (s *Server) handleDispatchWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workflow schema.WorkflowSchema `json:"workflow"`
		Inputs   map[string]any        `json:"inputs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	instanceID, err := s.broker.DispatchWorkflow(r.Context(), req.Workflow, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"instance_id": instanceID})
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	assignment, err := s.broker.GetStep(r.Context(), workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveAssignment(assignment.WorkflowID)
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleReportStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	var report broker.StepReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.broker.ReportStep(r.Context(), workerID, report); err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveReport(report.WorkflowID, report.State.String())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListWorkflows())
}
