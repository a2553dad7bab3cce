package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
)

func (s *Server) handleCANConfig(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CAN.Config())
}

func (s *Server) handleCANSetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.config") {
		return
	}

	var cfg config.CANConfig
	if err := decode(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.CAN.UpdateController(cfg.Controller, cfg.Filters); err != nil {
		fail(w, err)
		return
	}
	s.deps.CAN.SetAutoConnect(cfg.AutoConnect)
	if err := s.deps.Store.SaveCAN(s.deps.CAN.Config()); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"message":           "CAN configuration saved",
		"reconnect_required": s.deps.CAN.IsConnected(),
	})
}

func (s *Server) handleCANConnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.connect") {
		return
	}
	if err := s.deps.CAN.Connect(r.Context()); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "CAN bus connected",
		"status":  s.deps.CAN.Status(),
	})
}

func (s *Server) handleCANDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.connect") {
		return
	}
	if err := s.deps.CAN.Disconnect(); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "CAN bus disconnected")
}

func (s *Server) handleCANStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CAN.Status())
}

func (s *Server) handleCANStatusDetailed(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"bus":     s.deps.CAN.Status(),
		"devices": s.deps.CAN.Devices(),
	}
	if ctrl, err := s.deps.CAN.ControllerStatus(); err == nil {
		doc["controller"] = ctrl
	}
	respond(w, http.StatusOK, doc)
}

func (s *Server) persistCAN() error {
	return s.deps.Store.SaveCAN(s.deps.CAN.Config())
}

func (s *Server) handleCANDevices(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"devices": s.deps.CAN.Devices(),
	})
}

func (s *Server) handleCANCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev config.CANDevice
	if err := decode(r, &dev); err != nil {
		fail(w, err)
		return
	}

	created, err := s.deps.CAN.AddDevice(dev)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.persistCAN(); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Device created",
		"device":  created,
	})
}

func (s *Server) handleCANGetDevice(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.CAN.GetDevice(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (s *Server) handleCANUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var dev config.CANDevice
	if err := decode(r, &dev); err != nil {
		fail(w, err)
		return
	}

	updated, err := s.deps.CAN.UpdateDevice(r.PathValue("id"), dev)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.persistCAN(); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Device updated",
		"device":  updated,
	})
}

func (s *Server) handleCANDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.CAN.RemoveDevice(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	if err := s.persistCAN(); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Device deleted")
}

func (s *Server) handleCANDeviceLiveness(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.CAN.GetDevice(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"device_id":         status.ID,
		"alive":             status.Alive,
		"last_seen":         status.LastSeen,
		"timeout_count":     status.TimeoutCount,
		"timeout_threshold": status.TimeoutThreshold,
	})
}

func (s *Server) handleCANDeviceTimeout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TimeoutThreshold *int `json:"timeout_threshold"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	if body.TimeoutThreshold == nil {
		fail(w, gwerrors.NewValidationError("timeout_threshold", "5..300 seconds", nil))
		return
	}

	id := r.PathValue("id")
	if err := s.deps.CAN.SetDeviceTimeout(id, *body.TimeoutThreshold); err != nil {
		fail(w, err)
		return
	}
	if err := s.persistCAN(); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message":           "Timeout threshold updated",
		"device_id":         id,
		"timeout_threshold": *body.TimeoutThreshold,
	})
}

func (s *Server) handleCANDeviceBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.breaker") {
		return
	}
	if err := s.deps.CAN.ResetDeviceBreaker(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Circuit breaker reset")
}

func (s *Server) handleCANSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CANID    *uint32 `json:"can_id"`
		Data     *[]int  `json:"data"`
		Extended bool    `json:"extended"`
		RTR      bool    `json:"rtr"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	if body.CANID == nil || body.Data == nil {
		fail(w, gwerrors.NewValidationError("body", "can_id and data", "missing field"))
		return
	}
	if len(*body.Data) > 8 {
		fail(w, gwerrors.NewValidationError("data", "at most 8 bytes", len(*body.Data)))
		return
	}

	payload := make([]byte, len(*body.Data))
	for i, b := range *body.Data {
		if b < 0 || b > 255 {
			fail(w, gwerrors.NewValidationError("data", "bytes 0..255", b))
			return
		}
		payload[i] = byte(b)
	}

	frame := can.NewFrame(*body.CANID, payload, body.Extended)
	frame.RTR = body.RTR
	if err := s.deps.CAN.SendFrame(frame); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "CAN message sent",
		"can_id":  *body.CANID,
		"data":    *body.Data,
	})
}

func (s *Server) handleCANMessages(w http.ResponseWriter, r *http.Request) {
	q := can.MessageQuery{Count: 100}
	query := r.URL.Query()

	if v := query.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Count = n
		}
	}
	if v := query.Get("filter_id"); v != "" {
		id, err := parseCANID(v)
		if err != nil {
			fail(w, err)
			return
		}
		q.CANID = id
		q.HasCANID = true
	}
	switch strings.ToLower(query.Get("direction")) {
	case "":
	case "rx":
		q.Direction = can.DirectionRX
	case "tx":
		q.Direction = can.DirectionTX
	default:
		fail(w, gwerrors.NewValidationError("direction", "rx or tx", query.Get("direction")))
		return
	}

	messages, total := s.deps.CAN.Messages(q)
	respond(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
		"total":    total,
	})
}

// parseCANID accepts both 0x-prefixed hex and plain decimal identifiers
func parseCANID(v string) (uint32, error) {
	base := 10
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v, base = v[2:], 16
	}
	id, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return 0, gwerrors.NewValidationError("filter_id", "CAN identifier", v)
	}
	return uint32(id), nil
}

func (s *Server) handleCANMessagesClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.clear") {
		return
	}
	s.deps.CAN.ClearMessages()
	message(w, http.StatusOK, "Message log cleared")
}

func (s *Server) handleCANStatistics(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CAN.Statistics())
}

func (s *Server) handleCANStatisticsReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.clear") {
		return
	}
	s.deps.CAN.ResetStatistics()
	message(w, http.StatusOK, "Statistics reset")
}

func (s *Server) handleCANLogs(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	events := s.deps.CAN.Events(count, r.URL.Query().Get("type"))
	respond(w, http.StatusOK, map[string]interface{}{
		"logs":  events,
		"count": len(events),
	})
}

func (s *Server) handleCANLogsClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.clear") {
		return
	}
	s.deps.CAN.ClearEvents()
	message(w, http.StatusOK, "Event logs cleared")
}

func (s *Server) handleCANFilters(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"filters": s.deps.CAN.Config().Filters,
	})
}

func (s *Server) handleCANSetFilters(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.config") {
		return
	}

	var body struct {
		Filters []config.CANFilter `json:"filters"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}

	ctrl := s.deps.CAN.Config().Controller
	if err := s.deps.CAN.UpdateController(ctrl, body.Filters); err != nil {
		fail(w, err)
		return
	}
	if err := s.persistCAN(); err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Filters saved, programmed on next connect",
		"count":   len(body.Filters),
	})
}

func (s *Server) handleCANValidateFilters(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filters []config.CANFilter `json:"filters"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}

	type filterVerdict struct {
		Index int    `json:"index"`
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}
	verdicts := make([]filterVerdict, len(body.Filters))
	valid := true
	for i := range body.Filters {
		verdicts[i] = filterVerdict{Index: i, Valid: true}
		if err := config.ValidateCANFilter(&body.Filters[i]); err != nil {
			verdicts[i].Valid = false
			verdicts[i].Error = err.Error()
			valid = false
		}
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"valid":   valid,
		"filters": verdicts,
	})
}

func (s *Server) handleCANHealth(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.CAN.Devices()
	alive, timedOut := 0, 0
	for _, dev := range devices {
		if dev.Alive {
			alive++
		} else if dev.TimeoutCount > 0 {
			timedOut++
		}
	}

	status := "healthy"
	if !s.deps.CAN.IsConnected() {
		status = "unhealthy"
	} else if timedOut > 0 {
		status = "degraded"
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"connected": s.deps.CAN.IsConnected(),
		"breaker":   s.deps.CAN.HardwareBreaker(),
		"devices": map[string]int{
			"total":     len(devices),
			"alive":     alive,
			"timed_out": timedOut,
		},
	})
}

func (s *Server) handleCANBreaker(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.CAN.HardwareBreaker())
}

func (s *Server) handleCANBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.breaker") {
		return
	}
	s.deps.CAN.ResetHardwareBreaker()
	message(w, http.StatusOK, "Circuit breaker reset")
}

func (s *Server) handleCANDetectBitrate(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "can.connect") {
		return
	}

	var body struct {
		Candidates []int `json:"candidates"`
	}
	// An empty body means the default candidate list
	_ = decode(r, &body)

	result, err := s.deps.CAN.AutodetectBitrate(r.Context(), body.Candidates)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleCANScanNodes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WindowSeconds float64 `json:"window_seconds"`
	}
	_ = decode(r, &body)

	window := time.Duration(body.WindowSeconds * float64(time.Second))
	nodes, err := s.deps.CAN.ScanNodes(r.Context(), window)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}
