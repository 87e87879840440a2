package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

type configResponse struct {
	Config  models.Config  `json:"config"`
	Profile models.Profile `json:"profile"`
}

// GetConfig handles GET /v1/users/{id}/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	hd, ok := h.handle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		Config:  hd.Session.CurrentConfig(),
		Profile: hd.Session.CurrentProfile(),
	})
}

// PutConfig handles PUT /v1/users/{id}/config. The new wanted months and
// autobook policy apply from the next check.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		h.fail(w, err)
		return
	}

	hd, ok := h.guarded(w, r)
	if !ok {
		return
	}
	defer hd.Release()

	hd.Session.SetConfig(cfg)
	if err := h.deps.Sessions.Save(hd.Session); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("config updated",
		zap.String("user_id", hd.Session.UserID),
		zap.Ints("months", cfg.Months),
		zap.Bool("advance", cfg.Autobook.Advance),
		zap.Bool("trysell", cfg.Autobook.TrySell),
	)
	writeJSON(w, http.StatusOK, configResponse{
		Config:  hd.Session.CurrentConfig(),
		Profile: hd.Session.CurrentProfile(),
	})
}
