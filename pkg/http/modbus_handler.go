package http

import (
	"net/http"
	"sort"
	"strconv"

	"efio-gateway/pkg/config"
	"efio-gateway/pkg/modbus"
)

func (s *Server) handleModbusPorts(w http.ResponseWriter, r *http.Request) {
	type portInfo struct {
		Token  string `json:"token"`
		Label  string `json:"label"`
		Device string `json:"device"`
	}
	ports := make([]portInfo, 0, len(config.KnownPorts))
	for token, label := range config.KnownPorts {
		ports = append(ports, portInfo{Token: token, Label: label, Device: config.PortDevice(token)})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Token < ports[j].Token })
	respond(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

func (s *Server) handleModbusDevices(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"devices": s.deps.Modbus.Devices(),
	})
}

// persistModbusDevices writes the registry back to modbus_devices.json.
// Mutations that reached the registry stay applied even if the write
// fails; the caller only reports the failure.
func (s *Server) persistModbusDevices() error {
	return s.deps.Store.SaveModbusDevices(s.deps.Modbus.Configs())
}

func (s *Server) handleModbusCreate(w http.ResponseWriter, r *http.Request) {
	var dev config.ModbusDevice
	if err := decode(r, &dev); err != nil {
		fail(w, err)
		return
	}

	created, err := s.deps.Modbus.AddDevice(dev)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.persistModbusDevices(); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Device created",
		"device":  created,
	})
}

func (s *Server) handleModbusGet(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Modbus.GetDevice(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (s *Server) handleModbusUpdate(w http.ResponseWriter, r *http.Request) {
	var dev config.ModbusDevice
	if err := decode(r, &dev); err != nil {
		fail(w, err)
		return
	}

	updated, err := s.deps.Modbus.UpdateDevice(r.PathValue("id"), dev)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.persistModbusDevices(); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Device updated",
		"device":  updated,
	})
}

func (s *Server) handleModbusDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modbus.RemoveDevice(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	if err := s.persistModbusDevices(); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Device deleted")
}

func (s *Server) handleModbusConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Modbus.Connect(r.Context(), id); err != nil {
		fail(w, err)
		return
	}

	status, err := s.deps.Modbus.GetDevice(id)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"message": "Connected",
		"device":  status,
	})
}

func (s *Server) handleModbusDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modbus.Disconnect(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Disconnected")
}

func (s *Server) handleModbusRead(w http.ResponseWriter, r *http.Request) {
	var req modbus.ReadRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	result, err := s.deps.Modbus.Read(r.Context(), r.PathValue("id"), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleModbusWrite(w http.ResponseWriter, r *http.Request) {
	var req modbus.WriteRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	result, err := s.deps.Modbus.Write(r.Context(), r.PathValue("id"), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleModbusPollingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modbus.StartPolling(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Polling started")
}

func (s *Server) handleModbusPollingStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modbus.StopPolling(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Polling stopped")
}

func (s *Server) handleModbusBreakerReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Modbus.ResetBreaker(r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	message(w, http.StatusOK, "Circuit breaker reset")
}

func (s *Server) handleModbusScan(w http.ResponseWriter, r *http.Request) {
	var req modbus.ScanRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	result, err := s.deps.Modbus.Scan(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleModbusLogs(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	events := s.deps.Modbus.Events(count, r.URL.Query().Get("type"))
	respond(w, http.StatusOK, map[string]interface{}{
		"logs":  events,
		"count": len(events),
	})
}

func (s *Server) handleModbusLogsClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Modbus.ClearEvents()
	message(w, http.StatusOK, "Logs cleared")
}
