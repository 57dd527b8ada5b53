package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const maxNotesLen = 500

type Server struct {
	Coordinator *dispatch.Coordinator
	Fleet       *drivers.Registry
	Locations   *ingest.LocationProducer
	WSReg       *events.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the service from config. The in-memory registry always
// owns fleet state; Redis (when configured) serves candidate search for
// positions fed through the Kafka consumer.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	fleet := drivers.NewRegistry()

	var index geo.Index = fleet
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	estimator := &pricing.Estimator{DefaultSpeedKmh: cfg.DefaultSpeedKmh}
	if cfg.OSRMEndpoint != "" {
		estimator.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.ETACache = eta.NewCache(cfg.OfferTimeout)
	}

	wsreg := events.NewWSRegistry()
	var publisher events.Publisher = events.NewPushPublisher(wsreg, cfg.PushEndpoint)
	var locations *ingest.LocationProducer
	if len(cfg.KafkaBrokers) > 0 {
		locations = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		publisher = events.Multi{publisher, ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)}
	}

	var billing dispatch.Payments
	if os.Getenv("STRIPE_API_KEY") != "" {
		billing = payments.NewStripeClient(cfg.Currency)
	}

	coord := dispatch.New(dispatch.Deps{
		Geo:       index,
		Fleet:     fleet,
		Store:     store,
		Estimator: estimator,
		Publisher: publisher,
		Payments:  billing,
		Logger:    logger,
	}, dispatch.Config{
		RadiusKm:    cfg.DispatchRadiusKm,
		OfferTTL:    cfg.OfferTimeout,
		CancelGrace: cfg.CancelGrace,
		CancelFee:   cfg.CancelFee,
	})

	s := &Server{
		Coordinator: coord,
		Fleet:       fleet,
		Locations:   locations,
		WSReg:       wsreg,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/active", s.handleActiveRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides", s.handleCreate).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/actuals", s.handleActuals).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{audience_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID     string           `json:"rider_id"`
		Pickup      models.Point     `json:"pickup"`
		Destination models.Point     `json:"destination"`
		Class       models.RideClass `json:"ride_class"`
		Notes       string           `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RiderID == "" {
		http.Error(w, "rider_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Notes) > maxNotesLen {
		http.Error(w, "notes too long", http.StatusBadRequest)
		return
	}
	ride, err := s.Coordinator.Create(req.RiderID, req.Pickup, req.Destination, req.Class, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Coordinator.Accept(rideID, req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coordinator.Decline(rideID, req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		ActorID string            `json:"actor_id"`
		Status  models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Coordinator.Advance(rideID, req.ActorID, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Coordinator.Cancel(rideID, req.ActorID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActuals(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req struct {
		DriverID    string  `json:"driver_id"`
		DistanceKm  float64 `json:"distance_km"`
		DurationMin float64 `json:"duration_min"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coordinator.RecordActuals(rideID, req.DriverID, req.DistanceKm, req.DurationMin); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	ride, err := s.Coordinator.Get(rideID, r.URL.Query().Get("actor_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.ActiveRide(r.URL.Query().Get("actor_id"))
	if errors.Is(err, dispatch.ErrRideNotFound) {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	rides, err := s.Coordinator.History(q.Get("actor_id"), models.RideStatus(q.Get("status")), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	d.Online = true
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	s.Fleet.Upsert(d)
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["audience_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var transition *dispatch.InvalidTransitionError
	var upstream *dispatch.UpstreamError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrRideNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, dispatch.ErrActiveRideExists), errors.Is(err, dispatch.ErrDriverUnavailable):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrOfferExpired):
		status = http.StatusGone
	case errors.Is(err, dispatch.ErrRideNotCancellable), errors.Is(err, dispatch.ErrRideNotInProgress):
		status = http.StatusBadRequest
	case errors.As(err, &transition):
		status = http.StatusBadRequest
	case errors.As(err, &upstream):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
