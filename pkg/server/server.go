// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes a thin, read-only HTTP surface for external
// tooling (a TUI, a curl-based smoke check) to poll the orchestrator
// without going through the Unix-domain IPC socket: liveness, Prometheus
// scraping, and a JSON dump of in-flight executions. It owns no state of
// its own and never mutates an execution.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/store"
)

// Server is the read-only status HTTP surface.
type Server struct {
	store *store.Actor
	prom  *metrics.Metrics
	mux   *chi.Mux
}

// New builds the router. prom may be nil; the /metrics route then always
// answers 503, matching metrics.Handler's own nil-safe behavior.
func New(st *store.Actor, prom *metrics.Metrics) *Server {
	s := &Server{store: st, prom: prom}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/executions", s.handleExecutions)
	r.Get("/executions/{id}", s.handleExecution)

	s.mux = r
	return s
}

// Handler returns the http.Handler for mounting behind an http.Server or
// a larger router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.prom.Handler().ServeHTTP(w, r)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	filters := store.ListFilters{
		Status:   r.URL.Query().Get("status"),
		LoopType: r.URL.Query().Get("loop_type"),
		Parent:   r.URL.Query().Get("parent"),
	}

	recs, err := s.store.List(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
