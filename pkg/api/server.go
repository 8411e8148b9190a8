// Package api is the HTTP facade over the coordinator: one JSON
// operation per route, an APIResponse success/error envelope,
// optional JWT-gated admin routes, and a WebSocket stream of
// closed-round events for dashboards.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/openfl/coordinator/pkg/apierr"
	"github.com/openfl/coordinator/pkg/coordinator"
	"github.com/openfl/coordinator/pkg/validator"
)

// AdminConfig gates mutating operator routes (currently just
// aggregate_round) behind a JWT bearer token. Enabled=false disables
// the check, for local development; cmd/coordinatord sets Enabled only
// when ADMIN_JWT_SECRET is non-empty.
type AdminConfig struct {
	Enabled bool
	Secret  string
}

// Server wires a *coordinator.Coordinator to an HTTP router.
type Server struct {
	coord    *coordinator.Coordinator
	admin    AdminConfig
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer builds a Server with every operation's route registered.
func NewServer(coord *coordinator.Coordinator, admin AdminConfig) *Server {
	s := &Server{
		coord:  coord,
		admin:  admin,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Handler returns the CORS-wrapped router, ready to pass to
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Client-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	return c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.sendError(w, coordinator.Recover(recovered))
			}
		}()
		s.router.ServeHTTP(w, r)
	}))
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/register_client", s.handleRegisterClient).Methods("POST")
	api.HandleFunc("/get_task", s.handleGetTask).Methods("POST")
	api.HandleFunc("/submit_update", s.handleSubmitUpdate).Methods("POST")
	api.HandleFunc("/aggregate_round", s.requireAdmin(s.handleAggregateRound)).Methods("POST")
	api.HandleFunc("/round_status/{round_id}", s.handleRoundStatus).Methods("GET")
	api.HandleFunc("/model/latest", s.handleLatestModel).Methods("GET")
	api.HandleFunc("/model/{version}", s.handleGetModel).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/reputation", s.handleReputation).Methods("GET")
	api.HandleFunc("/incentives", s.handleIncentives).Methods("GET")
	api.HandleFunc("/async_stats/{round_id}", s.handleAsyncStats).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// APIResponse is the success/error envelope every route responds with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: string(code)})
}

// classify maps a coordinator error to its stable apierr.Code and an
// HTTP status. Anything not already an *apierr.Error (a genuine
// surprise, e.g. a panic recovered upstream) becomes internal_error.
func classify(err error) (apierr.Code, int) {
	ae, ok := err.(*apierr.Error)
	if !ok {
		return apierr.InternalError, http.StatusInternalServerError
	}
	switch ae.Code {
	case apierr.Unauthorized:
		return ae.Code, http.StatusUnauthorized
	case apierr.UnknownClient, apierr.UnknownRound, apierr.UnknownVersion:
		return ae.Code, http.StatusNotFound
	case apierr.DuplicateClient, apierr.DuplicateUpdate:
		return ae.Code, http.StatusConflict
	case apierr.RateLimited:
		return ae.Code, http.StatusTooManyRequests
	case apierr.NoAssignment, apierr.RoundNotCollecting, apierr.MalformedDelta,
		apierr.InvalidValues, apierr.NotReady, apierr.AggregationFailed, apierr.NoTaskAvailable:
		return ae.Code, http.StatusBadRequest
	default:
		return apierr.InternalError, http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, map[string]interface{}{"status": "healthy", "timestamp": time.Now()})
}

type registerClientRequest struct {
	ClientName string `json:"client_name"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientName == "" {
		s.sendError(w, apierr.New(apierr.UnknownClient, "client_name is required"))
		return
	}

	token, err := s.coord.RegisterClient(req.ClientName)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, map[string]string{"client_id": req.ClientName, "token": token})
}

type getTaskRequest struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	var req getTaskRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Token == "" {
		req.Token = tokenFromHeader(r)
	}

	task, err := s.coord.GetTask(req.ClientID, req.Token)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, map[string]interface{}{
		"round_id":      task.RoundID,
		"model_version": task.ModelVersion,
		"task":          "train",
	})
}

type submitUpdateRequest struct {
	ClientID       string          `json:"client_id"`
	RoundID        int             `json:"round_id"`
	ModelVersion   string          `json:"model_version"`
	WeightDelta    json.RawMessage `json:"weight_delta"`
	TrainingConfig json.RawMessage `json:"training_config"`
	FinalLoss      *float64        `json:"final_loss"`
	Token          string          `json:"token"`
}

func (s *Server) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var req submitUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, apierr.New(apierr.MalformedDelta, "request body is not valid JSON"))
		return
	}
	if req.Token == "" {
		req.Token = tokenFromHeader(r)
	}

	_, err := s.coord.SubmitUpdate(validator.Submission{
		ClientID:    req.ClientID,
		Token:       req.Token,
		RoundID:     req.RoundID,
		DeltaRaw:    req.WeightDelta,
		FinalLoss:   req.FinalLoss,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, map[string]bool{"ok": true})
}

type aggregateRoundRequest struct {
	RoundID int `json:"round_id"`
}

func (s *Server) handleAggregateRound(w http.ResponseWriter, r *http.Request) {
	var req aggregateRoundRequest
	json.NewDecoder(r.Body).Decode(&req)

	newVersion, numUpdates, successorID, err := s.coord.AggregateRound(req.RoundID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, map[string]interface{}{
		"round_id":          req.RoundID,
		"new_model_version": newVersion,
		"num_updates":       numUpdates,
		"successor_round":   successorID,
		"status":            "closed",
	})
}

func (s *Server) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	roundID, err := roundIDFromPath(r)
	if err != nil {
		s.sendError(w, apierr.New(apierr.UnknownRound, err.Error()))
		return
	}

	view, err := s.coord.GetRoundStatus(roundID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, map[string]interface{}{
		"round_id":       view.ID,
		"state":          view.State.String(),
		"input_version":  view.InputVersion,
		"assigned":       view.Assigned,
		"received":       view.Received,
		"created_at":     view.CreatedAt,
		"closed_at":      view.ClosedAt,
		"failure_reason": view.FailureReason,
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	version := mux.Vars(r)["version"]
	payload, err := s.coord.GetModel(version)
	if err != nil {
		s.sendError(w, err)
		return
	}
	nested, err := payload.MarshalNested()
	if err != nil {
		s.sendError(w, apierr.New(apierr.InternalError, err.Error()))
		return
	}
	s.sendSuccess(w, map[string]interface{}{"version": version, "layers": json.RawMessage(nested)})
}

func (s *Server) handleLatestModel(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	version, payload, err := s.coord.GetLatestModel()
	if err != nil {
		s.sendError(w, err)
		return
	}
	nested, err := payload.MarshalNested()
	if err != nil {
		s.sendError(w, apierr.New(apierr.InternalError, err.Error()))
		return
	}
	s.sendSuccess(w, map[string]interface{}{"version": version, "layers": json.RawMessage(nested)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	snapshots, global := s.coord.GetMetrics()
	s.sendSuccess(w, map[string]interface{}{"rounds": snapshots, "global": global})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		rec, err := s.coord.GetReputation(clientID)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendSuccess(w, rec)
		return
	}
	s.sendSuccess(w, s.coord.AllReputation())
}

func (s *Server) handleIncentives(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		rec, err := s.coord.GetIncentive(clientID)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.sendSuccess(w, rec)
		return
	}
	s.sendSuccess(w, s.coord.AllIncentive())
}

func (s *Server) handleAsyncStats(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CheckRequestLimit(clientIdentity(r)); err != nil {
		s.sendError(w, err)
		return
	}
	roundID, err := roundIDFromPath(r)
	if err != nil {
		s.sendError(w, apierr.New(apierr.UnknownRound, err.Error()))
		return
	}
	stats, err := s.coord.GetAsyncStats(roundID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, stats)
}

// handleWebSocket streams closed-round metrics snapshots as they
// happen, subscribing directly to the Metrics Ledger.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.coord.SubscribeRoundEvents()
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snapshot := range ch {
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
}

// requireAdmin gates handler behind a bearer JWT when admin auth is
// enabled; it is transparent when AdminConfig.Enabled is false, so a
// coordinator with no ADMIN_JWT_SECRET set keeps working locally.
func (s *Server) requireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.admin.Enabled {
			handler(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, apierr.New(apierr.Unauthorized, "admin route requires a bearer token"))
			return
		}

		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.admin.Secret), nil
		})
		if err != nil || !token.Valid {
			s.sendError(w, apierr.New(apierr.Unauthorized, "invalid admin token"))
			return
		}
		handler(w, r)
	}
}

// clientIdentity resolves the best available caller identity for a
// read-only route's request-rate check: an explicit client_id query
// parameter, falling back to a bearer token, falling back to the
// remote address for an entirely anonymous dashboard reader.
func clientIdentity(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	if t := tokenFromHeader(r); t != "" {
		return t
	}
	return r.RemoteAddr
}

func tokenFromHeader(r *http.Request) string {
	if t := r.Header.Get("X-Client-Token"); t != "" {
		return t
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

func roundIDFromPath(r *http.Request) (int, error) {
	raw := mux.Vars(r)["round_id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("round_id must be an integer")
	}
	return id, nil
}
