// Package http is the REST surface over the gateway core. Handlers are
// thin: decode, call the owning manager, map the error kind onto a
// status code. Configuration mutations write through the JSON store.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"efio-gateway/pkg/bridge"
	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	"efio-gateway/pkg/diagnostics"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/gpio"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/modbus"
	"efio-gateway/pkg/mqtt"
	"efio-gateway/pkg/state"
	"efio-gateway/pkg/sysinfo"
	"efio-gateway/pkg/watchdog"
)

// Hardened listener settings (gosec G114)
const (
	readTimeout       = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Authorizer guards admin-only mutations. The default build wires
// AllowAll; a fronting proxy or a future session layer can swap in a
// real implementation.
type Authorizer interface {
	Authorize(r *http.Request, action string) error
}

// AllowAll permits every action
type AllowAll struct{}

func (AllowAll) Authorize(*http.Request, string) error { return nil }

// MetricsSource supplies host vitals for the system endpoints
type MetricsSource interface {
	Snapshot() sysinfo.Snapshot
}

// WSHandler serves an upgraded WebSocket connection
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Deps carries every subsystem the API fronts. Nil entries disable
// their routes with 503 rather than panicking.
type Deps struct {
	IOState      *state.IOState
	GPIO         *gpio.Manager
	Modbus       *modbus.Manager
	CAN          *can.Manager
	ModbusBridge *bridge.ModbusBridge
	CANBridge    *bridge.CANBridge
	MQTT         *mqtt.Client
	Store        *config.Store
	Registry     *health.Registry
	Watchdog     *watchdog.Watchdog
	Metrics      MetricsSource
	Diagnostics  *diagnostics.Tracker
	WS           WSHandler
	Auth         Authorizer
	Version      string
}

// Server is the API listener
type Server struct {
	deps       Deps
	httpServer *http.Server
	started    time.Time
}

func NewServer(listen string, deps Deps) *Server {
	if deps.Auth == nil {
		deps.Auth = AllowAll{}
	}
	s := &Server{deps: deps, started: time.Now()}
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/io", s.handleGetIO)
	mux.HandleFunc("POST /api/io/do/{ch}", s.handleSetDO)
	mux.HandleFunc("GET /api/system", s.handleSystemMetrics)

	mux.HandleFunc("GET /api/config/io", s.handleGetIOConfig)
	mux.HandleFunc("POST /api/config/io", s.handleSetIOConfig)
	mux.HandleFunc("GET /api/mqtt/config", s.handleGetMQTTConfig)
	mux.HandleFunc("POST /api/mqtt/config", s.handleSetMQTTConfig)
	mux.HandleFunc("GET /api/mqtt/status", s.handleMQTTStatus)

	mux.HandleFunc("GET /api/modbus/ports", s.handleModbusPorts)
	mux.HandleFunc("GET /api/modbus/devices", s.handleModbusDevices)
	mux.HandleFunc("POST /api/modbus/devices", s.handleModbusCreate)
	mux.HandleFunc("GET /api/modbus/devices/{id}", s.handleModbusGet)
	mux.HandleFunc("PUT /api/modbus/devices/{id}", s.handleModbusUpdate)
	mux.HandleFunc("DELETE /api/modbus/devices/{id}", s.handleModbusDelete)
	mux.HandleFunc("POST /api/modbus/devices/{id}/connect", s.handleModbusConnect)
	mux.HandleFunc("POST /api/modbus/devices/{id}/disconnect", s.handleModbusDisconnect)
	mux.HandleFunc("POST /api/modbus/devices/{id}/read", s.handleModbusRead)
	mux.HandleFunc("POST /api/modbus/devices/{id}/write", s.handleModbusWrite)
	mux.HandleFunc("POST /api/modbus/devices/{id}/polling/start", s.handleModbusPollingStart)
	mux.HandleFunc("POST /api/modbus/devices/{id}/polling/stop", s.handleModbusPollingStop)
	mux.HandleFunc("POST /api/modbus/devices/{id}/circuit/reset", s.handleModbusBreakerReset)
	mux.HandleFunc("POST /api/modbus/scan", s.handleModbusScan)
	mux.HandleFunc("GET /api/modbus/logs", s.handleModbusLogs)
	mux.HandleFunc("POST /api/modbus/logs/clear", s.handleModbusLogsClear)

	mux.HandleFunc("GET /api/modbus-mqtt/config", s.handleModbusBridgeConfig)
	mux.HandleFunc("POST /api/modbus-mqtt/config", s.handleModbusBridgeSetConfig)
	mux.HandleFunc("GET /api/modbus-mqtt/mappings", s.handleModbusBridgeMappings)
	mux.HandleFunc("POST /api/modbus-mqtt/mappings", s.handleModbusBridgeCreateMapping)
	mux.HandleFunc("PUT /api/modbus-mqtt/mappings/{id}", s.handleModbusBridgeUpdateMapping)
	mux.HandleFunc("DELETE /api/modbus-mqtt/mappings/{id}", s.handleModbusBridgeDeleteMapping)
	mux.HandleFunc("POST /api/modbus-mqtt/start", s.handleModbusBridgeStart)
	mux.HandleFunc("POST /api/modbus-mqtt/stop", s.handleModbusBridgeStop)
	mux.HandleFunc("GET /api/modbus-mqtt/status", s.handleModbusBridgeStatus)

	mux.HandleFunc("GET /api/can/config", s.handleCANConfig)
	mux.HandleFunc("POST /api/can/config", s.handleCANSetConfig)
	mux.HandleFunc("POST /api/can/connect", s.handleCANConnect)
	mux.HandleFunc("POST /api/can/disconnect", s.handleCANDisconnect)
	mux.HandleFunc("GET /api/can/status", s.handleCANStatus)
	mux.HandleFunc("GET /api/can/status/detailed", s.handleCANStatusDetailed)
	mux.HandleFunc("GET /api/can/devices", s.handleCANDevices)
	mux.HandleFunc("POST /api/can/devices", s.handleCANCreateDevice)
	mux.HandleFunc("GET /api/can/devices/{id}", s.handleCANGetDevice)
	mux.HandleFunc("PUT /api/can/devices/{id}", s.handleCANUpdateDevice)
	mux.HandleFunc("DELETE /api/can/devices/{id}", s.handleCANDeleteDevice)
	mux.HandleFunc("GET /api/can/devices/{id}/liveness", s.handleCANDeviceLiveness)
	mux.HandleFunc("POST /api/can/devices/{id}/timeout", s.handleCANDeviceTimeout)
	mux.HandleFunc("POST /api/can/devices/{id}/circuit-breaker/reset", s.handleCANDeviceBreakerReset)
	mux.HandleFunc("POST /api/can/send", s.handleCANSend)
	mux.HandleFunc("GET /api/can/messages", s.handleCANMessages)
	mux.HandleFunc("POST /api/can/messages/clear", s.handleCANMessagesClear)
	mux.HandleFunc("GET /api/can/statistics", s.handleCANStatistics)
	mux.HandleFunc("POST /api/can/statistics/reset", s.handleCANStatisticsReset)
	mux.HandleFunc("GET /api/can/logs", s.handleCANLogs)
	mux.HandleFunc("POST /api/can/logs/clear", s.handleCANLogsClear)
	mux.HandleFunc("GET /api/can/filters", s.handleCANFilters)
	mux.HandleFunc("POST /api/can/filters", s.handleCANSetFilters)
	mux.HandleFunc("POST /api/can/filters/validate", s.handleCANValidateFilters)
	mux.HandleFunc("GET /api/can/health", s.handleCANHealth)
	mux.HandleFunc("GET /api/can/circuit-breaker", s.handleCANBreaker)
	mux.HandleFunc("POST /api/can/circuit-breaker/reset", s.handleCANBreakerReset)
	mux.HandleFunc("POST /api/can/detect-bitrate", s.handleCANDetectBitrate)
	mux.HandleFunc("POST /api/can/scan-nodes", s.handleCANScanNodes)

	mux.HandleFunc("GET /api/can-mqtt/config", s.handleCANBridgeConfig)
	mux.HandleFunc("POST /api/can-mqtt/config", s.handleCANBridgeSetConfig)
	mux.HandleFunc("GET /api/can-mqtt/mappings", s.handleCANBridgeMappings)
	mux.HandleFunc("POST /api/can-mqtt/mappings", s.handleCANBridgeCreateMapping)
	mux.HandleFunc("PUT /api/can-mqtt/mappings/{id}", s.handleCANBridgeUpdateMapping)
	mux.HandleFunc("DELETE /api/can-mqtt/mappings/{id}", s.handleCANBridgeDeleteMapping)
	mux.HandleFunc("POST /api/can-mqtt/start", s.handleCANBridgeStart)
	mux.HandleFunc("POST /api/can-mqtt/stop", s.handleCANBridgeStop)
	mux.HandleFunc("GET /api/can-mqtt/status", s.handleCANBridgeStatus)
	mux.HandleFunc("GET /api/can-mqtt/statistics", s.handleCANBridgeStatistics)
	mux.HandleFunc("POST /api/can-mqtt/statistics/reset", s.handleCANBridgeStatisticsReset)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/live", s.handleHealthLive)
	mux.HandleFunc("GET /api/health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /api/health/metrics", s.handleHealthMetrics)
	mux.HandleFunc("GET /api/health/watchdog", s.handleHealthWatchdog)
	mux.HandleFunc("GET /api/diagnostics/devices", s.handleDiagnostics)

	mux.HandleFunc("GET /api/backup", s.handleBackup)
	mux.HandleFunc("POST /api/restore", s.handleRestore)

	if s.deps.WS != nil {
		mux.HandleFunc("GET /ws", s.deps.WS.HandleWS)
	}

	return mux
}

// Start binds the listener and serves until Stop. The error channel
// receives a non-nil value if the listener dies unexpectedly.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		logger.LogInfo("🌐 HTTP API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.LogWarn("⚠️  HTTP shutdown: %v", err)
	}
	logger.LogInfo("🛑 HTTP API stopped")
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action string) bool {
	if err := s.deps.Auth.Authorize(r, action); err != nil {
		fail(w, err)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"message":   "EFIO API online",
		"version":   s.deps.Version,
		"websocket": s.deps.WS != nil,
	})
}

// respond writes v as JSON with the given status code
func respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.LogError("❌ HTTP encode response: %v", err)
	}
}

// message is the {"message": ...} success document
func message(w http.ResponseWriter, code int, format string, args ...interface{}) {
	respond(w, code, map[string]string{"message": fmt.Sprintf(format, args...)})
}

// fail maps an error kind onto a status code and writes the error
// document. Transport errors carry their classified sub-kind in "type".
func fail(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error": err.Error(),
		"type":  errorType(err),
	}
	respond(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case gwerrors.IsValidation(err):
		return http.StatusBadRequest
	case gwerrors.IsUnauthorized(err):
		return http.StatusForbidden
	case gwerrors.IsNotFound(err):
		return http.StatusNotFound
	case gwerrors.IsConflict(err):
		return http.StatusConflict
	case gwerrors.IsBreakerOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorType(err error) string {
	if t, ok := gwerrors.AsTransport(err); ok {
		return string(t.Kind)
	}
	switch {
	case gwerrors.IsValidation(err):
		return "ValidationError"
	case gwerrors.IsUnauthorized(err):
		return "Unauthorized"
	case gwerrors.IsNotFound(err):
		return "NotFound"
	case gwerrors.IsConflict(err):
		return "Conflict"
	case gwerrors.IsBreakerOpen(err):
		return "BreakerOpen"
	case gwerrors.IsTimeout(err):
		return "Timeout"
	default:
		return "Internal"
	}
}

// unavailable reports a subsystem that was not wired into this build
func unavailable(w http.ResponseWriter, subsystem string) {
	respond(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error": subsystem + " subsystem not available",
		"type":  "Unavailable",
	})
}

// decode reads the request body into v; a failure is a validation error
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return gwerrors.NewValidationError("body", "valid JSON", err.Error())
	}
	return nil
}
