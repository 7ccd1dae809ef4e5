package api

import (
	"net/http"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/monitoring"
	"fleet-tracker/internal/telemetry"
)

type positionRequest struct {
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Lat        *float64  `json:"lat" validate:"required"`
	Lon        *float64  `json:"lon" validate:"required"`
	SpeedKmh   float64   `json:"speedKmh"`
	Heading    float64   `json:"heading" validate:"gte=0,lt=360"`
	AccuracyM  float64   `json:"accuracyM" validate:"gte=0"`
	Altitude   *float64  `json:"altitude"`
	HDOP       *float64  `json:"hdop" validate:"omitempty,gte=0"`
	Satellites *int      `json:"satellites" validate:"omitempty,gte=0"`
	Source     string    `json:"source" validate:"omitempty,oneof=driver_device vehicle_unit"`
}

type positionResponse struct {
	Position fleet.Position `json:"position"`
	Valid    bool           `json:"valid"`
	Reason   string         `json:"reason,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (s *Server) submitPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.svc.SubmitPosition(r.Context(), telemetry.Report{
		TripID:     tripID(r),
		Lat:        *req.Lat,
		Lon:        *req.Lon,
		SpeedKmh:   req.SpeedKmh,
		Heading:    req.Heading,
		AccuracyM:  req.AccuracyM,
		Altitude:   req.Altitude,
		HDOP:       req.HDOP,
		Satellites: req.Satellites,
		Source:     fleet.PositionSource(req.Source),
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	// Rejected samples are still stored; the report is accepted either way.
	s.writeJSON(w, http.StatusAccepted, positionResponse{
		Position: res.Position,
		Valid:    res.Valid,
		Reason:   string(res.Reason),
		Warnings: res.Warnings,
	})
}

type allocationRequest struct {
	RouteID string    `json:"routeId" validate:"required"`
	Start   time.Time `json:"start" validate:"required"`
	End     time.Time `json:"end" validate:"required"`
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	a, err := s.svc.Allocate(r.Context(), req.RouteID, req.Start, req.End)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

// deallocate serves DELETE /api/v1/allocations/:id. The actor comes from
// the X-Actor header.
func (s *Server) deallocate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Deallocate(r.Context(), pathID(r), actor(r, "")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTripRequest struct {
	RouteID   string    `json:"routeId" validate:"required"`
	Departure time.Time `json:"departure" validate:"required"`
}

func (s *Server) createTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	t, err := s.svc.CreateTrip(r.Context(), req.RouteID, req.Departure)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTrip(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Trip(r.Context(), tripID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// decodeOptional accepts an empty body for actions whose fields are all optional.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		if err := s.validate.Struct(dst); err != nil {
			return badRequest(err)
		}
		return nil
	}
	return s.decode(w, r, dst)
}

func (s *Server) startTrip(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decodeOptional(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	out, err := s.svc.StartTrip(r.Context(), tripID(r), actor(r, req.Actor))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) endTrip(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := s.decodeOptional(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	out, err := s.svc.EndTrip(r.Context(), tripID(r), actor(r, req.Actor))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason" validate:"required"`
}

func (s *Server) cancelTrip(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	out, err := s.svc.CancelTrip(r.Context(), tripID(r), actor(r, req.Actor), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type rescheduleRequest struct {
	Actor    string    `json:"actor"`
	NewStart time.Time `json:"newStart" validate:"required"`
}

func (s *Server) rescheduleTrip(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	t, err := s.svc.RescheduleTrip(r.Context(), tripID(r), req.NewStart, actor(r, req.Actor))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// report serves GET /api/v1/reports?tripId=&from=&to= (RFC 3339 times).
func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		s.fail(w, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		s.fail(w, err)
		return
	}
	rep, err := s.svc.Analyze(r.Context(), monitoring.Query{
		TripID: r.URL.Query().Get("tripId"),
		From:   from,
		To:     to,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}
