package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var fareCents int64
	if rr.VehicleClass != "" && rr.Destination.Valid() {
		est := s.Fares.Estimate(r.Context(), rr.Pickup, rr.Destination)
		fareCents = est.Fares[rr.VehicleClass]
	}
	ride, err := s.Dispatch.CreateRequest(r.Context(), rr, fareCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.Dispatch.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, dispatch.ErrUnknownRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaptainID string `json:"captain_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CaptainID == "" {
		http.Error(w, "captain_id required", http.StatusBadRequest)
		return
	}
	ride, err := s.Dispatch.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.CaptainID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaptainID string `json:"captain_id"`
		OTP       string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CaptainID == "" || body.OTP == "" {
		http.Error(w, "captain_id and otp required", http.StatusBadRequest)
		return
	}
	ride, err := s.Dispatch.Start(r.Context(), mux.Vars(r)["id"], body.CaptainID, body.OTP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Dispatch.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [4]float64
	for i, k := range []string{"pickup_lat", "pickup_lon", "dest_lat", "dest_lon"} {
		f, err := strconv.ParseFloat(q.Get(k), 64)
		if err != nil {
			http.Error(w, "invalid "+k, http.StatusBadRequest)
			return
		}
		vals[i] = f
	}
	from := models.Coord{Lat: vals[0], Lon: vals[1]}
	to := models.Coord{Lat: vals[2], Lon: vals[3]}
	if !from.Valid() || !to.Valid() {
		s.writeError(w, presence.ErrInvalidLocation)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Fares.Estimate(r.Context(), from, to))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Presence.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown captain", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		http.Error(w, "online required", http.StatusBadRequest)
		return
	}
	rec, err := s.Presence.SetAvailability(mux.Vars(r)["id"], *body.Online)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownRequest), errors.Is(err, presence.ErrUnknownActor):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyMatched), errors.Is(err, dispatch.ErrNotOffered),
		errors.Is(err, dispatch.ErrRequestClosed), errors.Is(err, dispatch.ErrNotMatched),
		errors.Is(err, dispatch.ErrNotStarted), errors.Is(err, dispatch.ErrAlreadyStarted),
		errors.Is(err, presence.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidOTP), errors.Is(err, dispatch.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrInvalidPickup), errors.Is(err, dispatch.ErrInvalidVehicle),
		errors.Is(err, presence.ErrInvalidLocation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request_failed", "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response_encode_failed", "status", code, "error", err)
	}
}
