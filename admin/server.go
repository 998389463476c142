// Package admin exposes the node's introspection surface over HTTP:
// lock manager stats, health, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/cfg"
	"github.com/stoatdb/stoat/id"
	"github.com/stoatdb/stoat/scheduler"
	"github.com/stoatdb/stoat/storage"
	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
	"github.com/stoatdb/stoat/wire"
)

// TxnSender forwards an injected transaction into the pipeline.
// Implemented by broker.Broker.
type TxnSender interface {
	Send(env *wire.Envelope, to txn.MachineID, channel wire.Channel) error
}

// Server is the admin HTTP server.
type Server struct {
	config *cfg.Configuration
	lm     scheduler.LockManager
	gen    id.Generator
	store  storage.Store
	sender TxnSender
	http   *http.Server
}

// NewServer wires the admin routes. gen, store, and sender back the
// transaction-inject endpoint; passing nil disables it.
func NewServer(config *cfg.Configuration, lm scheduler.LockManager,
	gen id.Generator, store storage.Store, sender TxnSender) *Server {
	s := &Server{config: config, lm: lm, gen: gen, store: store, sender: sender}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/config", s.handleConfig)
	r.Post("/txns", s.handleInjectTxn)
	r.Handle("/metrics", telemetry.Handler())

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Admin.Address, config.Admin.Port),
		Handler: r,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("Admin server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"replica":   s.config.LocalReplica(),
		"partition": s.config.LocalPartition(),
	})
}

// handleStats serves lock manager stats; ?level=N raises verbosity.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	level := uint64(0)
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid level")
			return
		}
		level = parsed
	}
	writeJSON(w, s.lm.Stats(uint32(level)))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"node_id":            s.config.NodeID,
		"num_partitions":     s.config.NumPartitions,
		"num_replicas":       s.config.NumReplicas(),
		"replication_factor": s.config.ReplicationFactor,
		"machine_id":         s.config.LocalMachineID(),
		"lock_manager":       s.config.Scheduler.LockManager,
		"bypass_mh_orderer":  s.config.BypassMHOrderer,
	})
}

// injectTxnRequest is the body of POST /txns: a single-home transaction
// assembled on this machine, mostly for smoke tests and manual driving.
type injectTxnRequest struct {
	Writes  map[string]string `json:"writes"`
	Reads   []string          `json:"reads"`
	DelayMS int64             `json:"delay_ms"`
}

// handleInjectTxn builds a transaction from the request, stamps it with
// a fresh id and a timestamp, and forwards it to the local sequencer.
func (s *Server) handleInjectTxn(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil || s.store == nil || s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "txn injection is not wired")
		return
	}
	var req injectTxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.Writes) == 0 && len(req.Reads) == 0 {
		writeError(w, http.StatusBadRequest, "empty read and write sets")
		return
	}

	t := &txn.Transaction{
		ID:             s.gen.NextTxnID(),
		Type:           txn.TypeSingleHome,
		ReadSet:        make(map[txn.Key][]byte),
		WriteSet:       make(map[txn.Key][]byte, len(req.Writes)),
		MasterMetadata: make(map[txn.Key]txn.Metadata),
		Timestamp:      time.Now().Add(time.Duration(req.DelayMS) * time.Millisecond).UnixNano(),
		Coordinator:    s.config.LocalMachineID(),
	}
	for k, v := range req.Writes {
		t.WriteSet[txn.Key(k)] = []byte(v)
	}
	for _, k := range req.Reads {
		t.ReadSet[txn.Key(k)] = nil
	}
	for key := range t.WriteSet {
		meta, err := s.store.Metadata(key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		t.MasterMetadata[key] = meta
	}
	for key := range t.ReadSet {
		meta, err := s.store.Metadata(key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		t.MasterMetadata[key] = meta
	}

	env := wire.NewEnvelope(s.config.LocalMachineID())
	env.Request = &wire.Request{ForwardTxn: &wire.ForwardTxn{Txn: t}}
	if err := s.sender.Send(env, s.config.LocalMachineID(), wire.SequencerChannel); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{"txn_id": uint64(t.ID)}); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
