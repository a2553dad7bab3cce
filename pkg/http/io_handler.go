package http

import (
	"net/http"
	"strconv"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/state"
)

func (s *Server) handleGetIO(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.IOState.Snapshot())
}

func (s *Server) handleSetDO(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(r.PathValue("ch"))
	if err != nil || ch < 0 || ch >= state.NumChannels {
		fail(w, gwerrors.NewValidationError("channel", "0..3", r.PathValue("ch")))
		return
	}

	var body struct {
		State bool `json:"state"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	value := 0
	if body.State {
		value = 1
	}

	if s.deps.GPIO == nil {
		unavailable(w, "gpio")
		return
	}
	if err := s.deps.GPIO.WriteOutput(ch, value); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]int{
		"channel":   ch,
		"new_value": value,
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		unavailable(w, "metrics")
		return
	}
	respond(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) handleGetIOConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.IO()
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (s *Server) handleSetIOConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.IOConfig
	if err := decode(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := config.ValidateIOConfig(&cfg); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Store.SaveIO(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "I/O configuration saved")
}
