package http

import (
	"fmt"
	"net/http"
	"time"

	"efio-gateway/pkg/config"
	"efio-gateway/pkg/logger"
)

// passwordMask replaces stored broker credentials in GET responses. A
// POST carrying the mask back keeps the stored password.
const passwordMask = "********"

func (s *Server) handleGetMQTTConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.MQTT()
	if err != nil {
		fail(w, err)
		return
	}
	if cfg.Password != "" {
		cfg.Password = passwordMask
	}
	respond(w, http.StatusOK, cfg)
}

func (s *Server) handleSetMQTTConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "mqtt.config") {
		return
	}

	var cfg config.MQTTConfig
	if err := decode(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if cfg.Password == passwordMask {
		existing, err := s.deps.Store.MQTT()
		if err != nil {
			fail(w, err)
			return
		}
		cfg.Password = existing.Password
	}
	if err := config.ValidateMQTTConfig(&cfg); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Store.SaveMQTT(cfg); err != nil {
		fail(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"message":          "MQTT configuration saved",
		"restart_required": true,
		"note":             "Restart the gateway service for changes to take effect",
	})
}

func (s *Server) handleMQTTStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.MQTT == nil {
		unavailable(w, "mqtt")
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"enabled": s.deps.MQTT.Enabled(),
		"stats":   s.deps.MQTT.GetStats(),
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "backup.create") {
		return
	}

	filename := fmt.Sprintf("efio_backup_%s.tar.gz", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	meta, err := s.deps.Store.CreateBackup(w)
	if err != nil {
		// Headers are already out; all we can do is log and cut the stream
		logger.LogError("❌ Backup failed: %v", err)
		return
	}
	logger.LogInfo("💾 Backup created: %s (%d files)", filename, len(meta.Files))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "backup.restore") {
		return
	}

	meta, err := s.deps.Store.RestoreBackup(r.Body)
	if err != nil {
		fail(w, err)
		return
	}

	logger.LogInfo("💾 Configuration restored from backup (%d files)", len(meta.Files))
	respond(w, http.StatusOK, map[string]interface{}{
		"message":          "Configuration restored",
		"files":            len(meta.Files),
		"created":          meta.Created,
		"hostname":         meta.Hostname,
		"restart_required": true,
	})
}
