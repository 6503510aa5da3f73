// Package api is the relay node's REST and WebSocket front door: a thin
// gorilla/mux router over internal/rpc's four tool operations, plus a
// WebSocket endpoint that streams the event bus to subscribers.
//
// Grounded on the teacher's cmd/cb-monitor/main.go router setup
// (mux.NewRouter(), mux.Vars(r) for path parameters, a dedicated /ws
// handler alongside the REST routes) and internal/api/handlers.go's use
// of gorilla/websocket for its push channel.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/broadcaster"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/rpc"
	"github.com/synapse-relay/node/internal/stats"
)

// Server is the HTTP front door over an rpc.Service.
type Server struct {
	rpc    *rpc.Service
	bus    *broadcaster.Bus
	logger *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the router and wraps it in an *http.Server bound to addr.
func New(svc *rpc.Service, bus *broadcaster.Bus, logger *zap.Logger, addr string) *Server {
	s := &Server{
		rpc:    svc,
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/v1/relay", s.handleRelay).Methods("POST")
	router.HandleFunc("/v1/rules", s.handleListRules).Methods("GET")
	router.HandleFunc("/v1/rules", s.handleAddRule).Methods("POST")
	router.HandleFunc("/v1/rules/{id}", s.handleUpdateRule).Methods("PATCH")
	router.HandleFunc("/v1/rules/{id}", s.handleDeleteRule).Methods("DELETE")
	router.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/v1/buffer/{action}", s.handleBuffer).Methods("POST")
	router.HandleFunc("/v1/events", s.handleEvents).Methods("GET")

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server, blocking until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api: listening", zap.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req rpc.RelaySignalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.rpc.RelaySignal(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	result, err := s.rpc.ConfigureRelay(r.Context(), rpc.ConfigureRelayRequest{Action: "list"})
	s.respond(w, result, err)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule model.RelayRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	result, err := s.rpc.ConfigureRelay(r.Context(), rpc.ConfigureRelayRequest{Action: "add", Rule: rule})
	s.respond(w, result, err)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleIDFromPath(w, r)
	if !ok {
		return
	}
	var rule model.RelayRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ID = id
	result, err := s.rpc.ConfigureRelay(r.Context(), rpc.ConfigureRelayRequest{Action: "update", Rule: rule})
	s.respond(w, result, err)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleIDFromPath(w, r)
	if !ok {
		return
	}
	result, err := s.rpc.ConfigureRelay(r.Context(), rpc.ConfigureRelayRequest{Action: "remove", Rule: model.RelayRule{ID: id}})
	s.respond(w, result, err)
}

func (s *Server) ruleIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rule id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := rpc.GetRelayStatsRequest{
		Since:           queryInt64(q, "since", 0),
		Until:           queryInt64(q, "until", 0),
		GroupBy:         stats.GroupBy(q.Get("group_by")),
		IncludeFailures: q.Get("include_failures") == "true",
	}
	result, err := s.rpc.GetRelayStats(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var body struct {
		BufferIDs    []string `json:"buffer_ids"`
		TargetServer string   `json:"target_server"`
		SignalType   *uint16  `json:"signal_type"`
		MaxAgeHours  *int     `json:"max_age_hours"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	result, err := s.rpc.BufferSignals(r.Context(), rpc.BufferSignalsRequest{
		Action:       action,
		BufferIDs:    body.BufferIDs,
		TargetServer: body.TargetServer,
		SignalType:   body.SignalType,
		MaxAgeHours:  body.MaxAgeHours,
	})
	s.respond(w, result, err)
}

// handleEvents upgrades to a WebSocket and streams every bus event
// until the client disconnects or the bus closes the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("api: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = "*"
	}
	events := s.bus.Subscribe(pattern)
	defer s.bus.Unsubscribe(events)

	for evt := range events {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

func (s *Server) respond(w http.ResponseWriter, result interface{}, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if rpc.IsClientError(err) {
			status = http.StatusBadRequest
		} else {
			s.logger.Error("api: request failed", zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt64(q map[string][]string, key string, def int64) int64 {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.ParseInt(vals[0], 10, 64)
	if err != nil {
		return def
	}
	return n
}
