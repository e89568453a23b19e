package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carwash-dispatch/internal/dispatch"
	"github.com/example/carwash-dispatch/internal/events"
	"github.com/example/carwash-dispatch/internal/identity"
	"github.com/example/carwash-dispatch/internal/models"
)

// LocationPublisher forwards accepted location reports downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Engine    *dispatch.Engine
	Directory *identity.Directory
	Hub       *events.Hub
	Locations LocationPublisher
	Checks    map[string]ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	engine    *dispatch.Engine
	directory *identity.Directory
	hub       *events.Hub
	locations LocationPublisher
	checks    map[string]ReadyCheck
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    d.Engine,
		directory: d.Directory,
		hub:       d.Hub,
		locations: d.Locations,
		checks:    d.Checks,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", s.handleRegister).Methods("POST")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/admin/providers/{id}/verify", s.handleVerify).Methods("POST")

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/pending", s.handleListPending).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.providerAction(s.engine.AcceptRequest)).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.providerAction(s.engine.StartService)).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.providerAction(s.engine.CompleteRequest)).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/eta", s.handleArrival).Methods("GET")

	api.HandleFunc("/providers/{id}/active", s.handleListActive).Methods("GET")
	api.HandleFunc("/providers/{id}/status", s.handleSetStatus).Methods("POST")
	api.HandleFunc("/providers/{id}/location", s.handleReportLocation).Methods("POST")
	api.HandleFunc("/providers/{id}/location", s.handleGetLocation).Methods("GET")

	s.mux.HandleFunc("/ws/requests/{id}", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg identity.Registration
	if !s.decode(w, r, &reg) {
		return
	}
	u, err := s.directory.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Phone == "" {
		s.writeError(w, r, fmt.Errorf("%w: phone is required", models.ErrInvalidInput))
		return
	}
	u, err := s.directory.GetUserByPhone(r.Context(), body.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Verify(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// coordBody keeps lat/lon as pointers so an omitted field is rejected rather
// than read as 0.
type coordBody struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (b coordBody) coord() (models.Coord, error) {
	if b.Lat == nil || b.Lon == nil {
		return models.Coord{}, fmt.Errorf("%w: lat and lon are required", models.ErrInvalidInput)
	}
	return models.Coord{Lat: *b.Lat, Lon: *b.Lon}, nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
		coordBody
	}
	if !s.decode(w, r, &body) {
		return
	}
	c, err := body.coord()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.CreateRequest(r.Context(), body.RequesterID, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetRequestStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// providerAction adapts the accept/start/complete operations, which all take
// the provider from the body and answer with the updated request.
func (s *Server) providerAction(op func(ctx context.Context, requestID, providerID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProviderID string `json:"provider_id"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		id := mux.Vars(r)["id"]
		if err := op(r.Context(), id, body.ProviderID); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeRequest(w, r, id)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.CancelRequest(r.Context(), id, body.ActorID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRequest(w, r, id)
}

func (s *Server) handleArrival(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.EstimateArrival(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListActiveForProvider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.ProviderStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.engine.SetProviderStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var body coordBody
	if !s.decode(w, r, &body) {
		return
	}
	c, err := body.coord()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.ReportProviderLocation(r.Context(), id, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		loc := models.DriverLocation{ProviderID: id, Loc: c, UpdatedAt: time.Now().UTC()}
		if err := s.locations.PublishLocation(r.Context(), loc); err != nil {
			s.logger.Warn("location forward failed", "provider_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.engine.GetProviderLocation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

var upgrader = websocket.Upgrader{}

// handleWS streams the lifecycle events of one request, starting with a
// snapshot of its current state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.GetRequestStatus(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "request_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx := context.WithoutCancel(r.Context())
	unsubscribe, err := s.hub.Subscribe(id, conn, func() (events.Event, error) {
		v, err := s.engine.GetRequestStatus(ctx, id)
		if err != nil {
			return events.Event{}, err
		}
		return events.Event{
			Type:        events.Snapshot,
			RequestID:   v.ID,
			Status:      v.Status,
			RequesterID: v.RequesterID,
			ProviderID:  v.ProviderID,
			At:          time.Now().UTC(),
		}, nil
	})
	if err != nil {
		s.logger.Warn("ws subscribe failed", "request_id", id, "error", err)
		return
	}
	defer unsubscribe()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "dependency", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return false
	}
	return true
}

func (s *Server) writeRequest(w http.ResponseWriter, r *http.Request, id string) {
	v, err := s.engine.GetRequestStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(list []models.RequestView) []models.RequestView {
	if list == nil {
		return []models.RequestView{}
	}
	return list
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
