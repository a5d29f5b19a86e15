// Package status implements C-Status: the immutable status report
// built from the latest check pass, plus a small introspection HTTP
// server adapted from the teacher's mux-routed http server.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/log"
)

// Summary counts the per-reason breakdown across a report, so a
// consumer (CLI table, JSON API) doesn't need to re-walk Certificates.
type Summary struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	NeedsRenew int `json:"needs_renewal"`
	Revoked    int `json:"revoked"`
	Errored    int `json:"errored"`
}

// Report is the C-Status output: an immutable snapshot of the most
// recently completed check pass, in the order certificates were
// declared in configuration.
type Report struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Certificates []core.CertStatus `json:"certificates"`
	Summary      Summary          `json:"summary"`
}

// Source is the capability Build needs: the loop's last completed
// pass. Kept as an interface so status doesn't import loop directly.
type Source interface {
	LastStatuses() []core.CertStatus
}

// Build assembles a Report from src's latest pass.
func Build(src Source) Report {
	statuses := src.LastStatuses()
	summary := Summary{Total: len(statuses)}
	for _, s := range statuses {
		switch {
		case s.RenewalReason == core.ReasonError:
			summary.Errored++
		case s.IsRevoked:
			summary.Revoked++
		case s.NeedsRenewal:
			summary.NeedsRenew++
		default:
			summary.Valid++
		}
	}
	return Report{
		GeneratedAt:  time.Now().UTC(),
		Certificates: statuses,
		Summary:      summary,
	}
}

// Server is the introspection HTTP server: GET /status and GET
// /healthz, adapted from the teacher's HttpServer (same mux-based
// shape, different routes and no ACME concern).
type Server struct {
	srv    *http.Server
	src    Source
}

func NewServer(addr string, src Source) *Server {
	s := &Server{src: src}

	r := mux.NewRouter()
	s.srv = &http.Server{
		Handler:      r,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	return s
}

func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status: http server stopped: %v", err)
		}
	}()
}

func (s *Server) Stop() {
	s.srv.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := Build(s.src)
	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Warning("status: failed to encode report: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
