package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"hydrometer/internal/calibration"
)

type calibrationResponse struct {
	Params calibration.Curve `json:"params"`
}

func (s *Server) handleCalibrationGet(w http.ResponseWriter, r *http.Request) {
	if s.Curves == nil {
		http.Error(w, "calibration store unavailable", http.StatusServiceUnavailable)
		return
	}
	c, err := s.Curves.Load()
	switch {
	case errors.Is(err, calibration.ErrMissing):
		http.Error(w, "not calibrated", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, calibrationResponse{Params: c})
}

// handleCalibrationPost stores the curve the browser fitted from its
// tilt/gravity points.
func (s *Server) handleCalibrationPost(w http.ResponseWriter, r *http.Request) {
	if s.Curves == nil {
		http.Error(w, "calibration store unavailable", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	var c calibration.Curve
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Curves.Save(c); err != nil {
		if errors.Is(err, calibration.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log().Errorw("calibration save failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = c.Validate()
	s.log().Infow("calibration saved", "a", c.A, "b", c.B, "c", c.C, "unit", c.Unit)
	writeJSON(w, http.StatusOK, calibrationResponse{Params: c})
}
