package http

import (
	"context"
	"net/http"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
)

// Bridge lifecycles belong to the daemon, not to the request that
// triggered them, so starts run on a fresh background context and
// shutdown goes through the bridges' own Stop.

func (s *Server) handleModbusBridgeConfig(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.ModbusBridge.Config())
}

func (s *Server) handleModbusBridgeSetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.config") {
		return
	}

	var cfg config.ModbusBridgeConfig
	if err := decode(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := config.ValidateModbusBridgeConfig(&cfg); err != nil {
		fail(w, err)
		return
	}

	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Bridge configuration saved")
}

func (s *Server) handleModbusBridgeMappings(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"mappings": s.deps.ModbusBridge.Config().Mappings,
	})
}

func (s *Server) handleModbusBridgeCreateMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID     *string         `json:"device_id"`
		Register     *uint16         `json:"register"`
		FunctionCode *int            `json:"function_code"`
		Topic        *string         `json:"topic"`
		Name         *string         `json:"name"`
		Unit         string          `json:"unit"`
		Enabled      *bool           `json:"enabled"`
		Scaling      *config.Scaling `json:"scaling"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	switch {
	case body.DeviceID == nil:
		fail(w, gwerrors.NewValidationError("device_id", "required", nil))
		return
	case body.Register == nil:
		fail(w, gwerrors.NewValidationError("register", "required", nil))
		return
	case body.FunctionCode == nil:
		fail(w, gwerrors.NewValidationError("function_code", "required", nil))
		return
	case body.Topic == nil:
		fail(w, gwerrors.NewValidationError("topic", "required", nil))
		return
	case body.Name == nil:
		fail(w, gwerrors.NewValidationError("name", "required", nil))
		return
	}

	mapping := config.ModbusBridgeMapping{
		ID:           config.NewModbusMappingID(*body.Register),
		DeviceID:     *body.DeviceID,
		Register:     *body.Register,
		FunctionCode: *body.FunctionCode,
		Topic:        *body.Topic,
		Name:         *body.Name,
		Unit:         body.Unit,
		Enabled:      true,
		Scaling:      &config.Scaling{Multiplier: 1.0},
	}
	if body.Enabled != nil {
		mapping.Enabled = *body.Enabled
	}
	if body.Scaling != nil {
		mapping.Scaling = body.Scaling
	}
	if err := config.ValidateModbusBridgeMapping(&mapping); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.ModbusBridge.Config()
	cfg.Mappings = append(cfg.Mappings, mapping)
	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Mapping added",
		"mapping": mapping,
	})
}

func (s *Server) handleModbusBridgeUpdateMapping(w http.ResponseWriter, r *http.Request) {
	var mapping config.ModbusBridgeMapping
	if err := decode(r, &mapping); err != nil {
		fail(w, err)
		return
	}

	id := r.PathValue("id")
	mapping.ID = id
	if err := config.ValidateModbusBridgeMapping(&mapping); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.ModbusBridge.Config()
	found := false
	for i := range cfg.Mappings {
		if cfg.Mappings[i].ID == id {
			cfg.Mappings[i] = mapping
			found = true
			break
		}
	}
	if !found {
		fail(w, gwerrors.NewNotFoundError("mapping", id))
		return
	}

	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Mapping updated",
		"mapping": mapping,
	})
}

func (s *Server) handleModbusBridgeDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg := s.deps.ModbusBridge.Config()

	found := false
	for i := range cfg.Mappings {
		if cfg.Mappings[i].ID == id {
			cfg.Mappings = append(cfg.Mappings[:i], cfg.Mappings[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		fail(w, gwerrors.NewNotFoundError("mapping", id))
		return
	}

	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Mapping deleted")
}

func (s *Server) handleModbusBridgeStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.control") {
		return
	}
	if err := s.deps.ModbusBridge.Start(context.Background()); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.ModbusBridge.Config()
	cfg.Enabled = true
	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Bridge started",
		"status":  s.deps.ModbusBridge.Status(),
	})
}

func (s *Server) handleModbusBridgeStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.control") {
		return
	}
	s.deps.ModbusBridge.Stop()

	cfg := s.deps.ModbusBridge.Config()
	cfg.Enabled = false
	s.deps.ModbusBridge.Configure(cfg)
	if err := s.deps.Store.SaveModbusBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Bridge stopped")
}

func (s *Server) handleModbusBridgeStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.ModbusBridge.Status())
}

func (s *Server) handleCANBridgeConfig(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CANBridge.Config())
}

func (s *Server) handleCANBridgeSetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.config") {
		return
	}

	var cfg config.CANBridgeConfig
	if err := decode(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := config.ValidateCANBridgeConfig(&cfg); err != nil {
		fail(w, err)
		return
	}

	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Bridge configuration saved")
}

func (s *Server) handleCANBridgeMappings(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"mappings": s.deps.CANBridge.Config().Mappings,
	})
}

func (s *Server) handleCANBridgeCreateMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CANID           *uint32 `json:"can_id"`
		Topic           *string `json:"topic"`
		Name            *string `json:"name"`
		Enabled         *bool   `json:"enabled"`
		PublishOnChange *bool   `json:"publish_on_change"`
		MinIntervalMs   *int    `json:"min_interval_ms"`
		QoS             *byte   `json:"qos"`
		Format          string  `json:"format"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	switch {
	case body.CANID == nil:
		fail(w, gwerrors.NewValidationError("can_id", "required", nil))
		return
	case body.Topic == nil:
		fail(w, gwerrors.NewValidationError("topic", "required", nil))
		return
	case body.Name == nil:
		fail(w, gwerrors.NewValidationError("name", "required", nil))
		return
	}

	mapping := config.CANBridgeMapping{
		ID:              config.NewCANMappingID(*body.CANID),
		CANID:           *body.CANID,
		Topic:           *body.Topic,
		Name:            *body.Name,
		Enabled:         true,
		PublishOnChange: true,
		MinIntervalMs:   100,
		QoS:             1,
		Format:          config.FormatJSON,
	}
	if body.Enabled != nil {
		mapping.Enabled = *body.Enabled
	}
	if body.PublishOnChange != nil {
		mapping.PublishOnChange = *body.PublishOnChange
	}
	if body.MinIntervalMs != nil {
		mapping.MinIntervalMs = *body.MinIntervalMs
	}
	if body.QoS != nil {
		mapping.QoS = *body.QoS
	}
	if body.Format != "" {
		mapping.Format = body.Format
	}
	if err := config.ValidateCANBridgeMapping(&mapping); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.CANBridge.Config()
	cfg.Mappings = append(cfg.Mappings, mapping)
	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Mapping added",
		"mapping": mapping,
	})
}

func (s *Server) handleCANBridgeUpdateMapping(w http.ResponseWriter, r *http.Request) {
	var mapping config.CANBridgeMapping
	if err := decode(r, &mapping); err != nil {
		fail(w, err)
		return
	}

	id := r.PathValue("id")
	mapping.ID = id
	if err := config.ValidateCANBridgeMapping(&mapping); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.CANBridge.Config()
	found := false
	for i := range cfg.Mappings {
		if cfg.Mappings[i].ID == id {
			cfg.Mappings[i] = mapping
			found = true
			break
		}
	}
	if !found {
		fail(w, gwerrors.NewNotFoundError("mapping", id))
		return
	}

	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Mapping updated",
		"mapping": mapping,
	})
}

func (s *Server) handleCANBridgeDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg := s.deps.CANBridge.Config()

	found := false
	for i := range cfg.Mappings {
		if cfg.Mappings[i].ID == id {
			cfg.Mappings = append(cfg.Mappings[:i], cfg.Mappings[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		fail(w, gwerrors.NewNotFoundError("mapping", id))
		return
	}

	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Mapping deleted")
}

func (s *Server) handleCANBridgeStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.control") {
		return
	}
	if err := s.deps.CANBridge.Start(context.Background()); err != nil {
		fail(w, err)
		return
	}

	cfg := s.deps.CANBridge.Config()
	cfg.Enabled = true
	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Bridge started",
		"status":  s.deps.CANBridge.Status(),
	})
}

func (s *Server) handleCANBridgeStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.control") {
		return
	}
	s.deps.CANBridge.Stop()

	cfg := s.deps.CANBridge.Config()
	cfg.Enabled = false
	s.deps.CANBridge.Configure(cfg)
	if err := s.deps.Store.SaveCANBridge(cfg); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Bridge stopped")
}

func (s *Server) handleCANBridgeStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CANBridge.Status())
}

func (s *Server) handleCANBridgeStatistics(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CANBridge.Status().Statistics)
}

func (s *Server) handleCANBridgeStatisticsReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "bridge.control") {
		return
	}
	s.deps.CANBridge.ResetStatistics()
	message(w, http.StatusOK, "Bridge statistics reset")
}
