package handler

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"arbiter/internal/models"
	"arbiter/internal/repository"
	"arbiter/internal/service"
)

const switchPrefix = "feature."

// SettingsHandler exposes runtime settings. Switches are the feature.* keys
// holding JSON booleans.
type SettingsHandler struct {
	Repo     repository.Repository
	Settings *service.SystemSettingsService
	Auth     gin.HandlerFunc
}

func (h *SettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/settings")
	g.GET("", h.list)
	g.GET("/switches", h.listSwitches)
	g.PUT("/switches/:name", guarded(h.Auth, h.putSwitch)...)
	g.GET("/:key", h.get)
	g.PUT("/:key", guarded(h.Auth, h.put)...)
}

type settingView struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toSettingView(s models.SystemSetting) settingView {
	return settingView{Key: s.Key, Value: json.RawMessage(s.Value), Description: s.Description, UpdatedAt: s.UpdatedAt}
}

type switchView struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// @Summary List settings
// @Tags settings
// @Produce json
// @Param prefix query string false "key prefix"
// @Success 200 {array} settingView
// @Router /api/v1/settings [get]
func (h *SettingsHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 200)
	offset := intQuery(c, "offset", 0)
	params := repository.ListSystemSettingsParams{
		Limit:   limit,
		Offset:  offset,
		Prefix:  strQueryPtr(c, "prefix"),
		OrderBy: "key",
		Asc:     boolPtr(true),
	}
	items, err := h.Repo.ListSystemSettings(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSystemSettings(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]settingView, 0, len(items))
	for _, it := range items {
		out = append(out, toSettingView(it))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}

// @Summary Get setting
// @Tags settings
// @Param key path string true "key"
// @Success 200 {object} settingView
// @Failure 404 {object} map[string]any
// @Router /api/v1/settings/{key} [get]
func (h *SettingsHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	item, err := h.Repo.GetSystemSettingByKey(c.Request.Context(), strings.TrimSpace(c.Param("key")))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "setting not found", nil)
		return
	}
	Ok(c, toSettingView(*item), nil)
}

type putSettingRequest struct {
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description"`
}

// @Summary Write setting
// @Tags settings
// @Accept json
// @Param key path string true "key"
// @Param body body putSettingRequest true "value"
// @Success 200 {object} settingView
// @Router /api/v1/settings/{key} [put]
func (h *SettingsHandler) put(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	var req putSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Value) == 0 || !json.Valid(req.Value) {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(req.Value),
		Description: strings.TrimSpace(req.Description),
		UpdatedAt:   time.Now().UTC(),
	}
	if _, ok := item.Bool(); strings.HasPrefix(key, switchPrefix) && !ok {
		Error(c, http.StatusBadRequest, "switch value must be a boolean", nil)
		return
	}
	if err := h.Repo.UpsertSystemSetting(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	next, err := h.Repo.GetSystemSettingByKey(c.Request.Context(), key)
	if err != nil || next == nil {
		Error(c, http.StatusBadGateway, "setting not readable after write", nil)
		return
	}
	Ok(c, toSettingView(*next), nil)
}

// @Summary List feature switches
// @Tags settings
// @Success 200 {array} switchView
// @Router /api/v1/settings/switches [get]
func (h *SettingsHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	defaults := service.DefaultFeatureSwitches()
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]switchView, 0, len(keys))
	for _, key := range keys {
		out = append(out, switchView{
			Name:    strings.TrimPrefix(key, switchPrefix),
			Key:     key,
			Enabled: h.Settings.IsEnabled(c.Request.Context(), key, defaults[key]),
		})
	}
	Ok(c, out, nil)
}

type putSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// @Summary Flip a feature switch
// @Tags settings
// @Accept json
// @Param name path string true "switch name without the feature. prefix"
// @Param body body putSwitchRequest true "state"
// @Success 200 {object} switchView
// @Router /api/v1/settings/switches/{name} [put]
func (h *SettingsHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key := switchPrefix + name
	if _, known := service.DefaultFeatureSwitches()[key]; !known {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, req.Enabled); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, switchView{Name: name, Key: key, Enabled: req.Enabled}, nil)
}
