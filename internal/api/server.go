package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dess-monitor/internal/ingest"
	"dess-monitor/internal/session"
	"dess-monitor/internal/storage"
)

// Server exposes stored data to the presentation layer and accepts
// credential intake (explicit login or a pasted signed URL).
type Server struct {
	router   *gin.Engine
	server   *http.Server
	db       *storage.Database
	sessions *session.Manager
	log      *zap.SugaredLogger
	port     int
}

type ServerConfig struct {
	Port     int
	Database *storage.Database
	Sessions *session.Manager
	Logger   *zap.SugaredLogger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		db:       cfg.Database,
		sessions: cfg.Sessions,
		log:      cfg.Logger,
		port:     cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/data/latest", s.latestHandler)
		api.GET("/data/chart", s.chartHandler)
		api.GET("/data/key-param", s.keyParamHandler)

		api.POST("/credentials/login", s.loginHandler)
		api.POST("/credentials/url", s.storeURLHandler)
		api.DELETE("/credentials", s.clearCredentialsHandler)
		api.GET("/credentials/status", s.statusHandler)
		api.GET("/credentials/devices", s.devicesHandler)
		api.POST("/credentials/devices/refresh", s.refreshDevicesHandler)
		api.GET("/credentials/device-params", s.getDeviceParamsHandler)
		api.PATCH("/credentials/device-params", s.updateDeviceParamsHandler)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	s.log.Infow("api server listening", "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// resolvePN picks the device for a data query: the pn query parameter,
// else the first tracked device, else the legacy identifier in the
// session.
func (s *Server) resolvePN(c *gin.Context) string {
	if pn := c.Query("pn"); pn != "" {
		return pn
	}
	if devices, err := s.sessions.ListDevices(); err == nil && len(devices) > 0 {
		return devices[0].PN
	}
	if sess, err := s.sessions.Get(); err == nil && sess != nil {
		return sess.Params()["pn"]
	}
	return ""
}

func (s *Server) latestHandler(c *gin.Context) {
	pn := s.resolvePN(c)
	if pn == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no device configured"})
		return
	}
	snapshot, err := s.db.GetSnapshot(pn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pn":         snapshot.PN,
		"pars":       json.RawMessage(snapshot.ParsJSON),
		"gts":        snapshot.GTS,
		"fetched_at": snapshot.FetchedAt,
	})
}

func (s *Server) chartHandler(c *gin.Context) {
	field := c.Query("field")
	if field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	if !ingest.IsChartField(field) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported field: " + field})
		return
	}
	pn := s.resolvePN(c)
	if pn == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no device configured"})
		return
	}
	start := c.DefaultQuery("start", "2000-01-01 00:00:00")
	end := c.DefaultQuery("end", "2099-12-31 23:59:59")
	points, err := s.db.GetChartPoints(pn, field, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) keyParamHandler(c *gin.Context) {
	parameter := c.Query("parameter")
	if parameter == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parameter is required"})
		return
	}
	if !ingest.IsKeyParameter(parameter) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported parameter: " + parameter})
		return
	}
	pn := s.resolvePN(c)
	if pn == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no device configured"})
		return
	}
	start := c.DefaultQuery("start", "2000-01-01 00:00:00")
	end := c.DefaultQuery("end", "2099-12-31 23:59:59")
	points, err := s.db.GetKeyParamPoints(pn, parameter, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, points)
}

type loginRequest struct {
	Usr        string `json:"usr"`
	Pwd        string `json:"pwd"`
	CompanyKey string `json:"company_key"`
	BaseURL    string `json:"base_url"`
	PN         string `json:"pn"`
	SN         string `json:"sn"`
	Devcode    string `json:"devcode"`
	Devaddr    string `json:"devaddr"`
}

func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if req.Usr == "" || req.Pwd == "" || req.CompanyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":    false,
			"error": "usr, pwd and company_key are required",
		})
		return
	}

	deviceParams := map[string]string{}
	if req.PN != "" {
		deviceParams["pn"] = req.PN
	}
	if req.SN != "" {
		deviceParams["sn"] = req.SN
	}
	if req.Devcode != "" {
		deviceParams["devcode"] = req.Devcode
	}
	if req.Devaddr != "" {
		deviceParams["devaddr"] = req.Devaddr
	}

	if err := s.sessions.LoginAndStore(c.Request.Context(), req.Usr, req.Pwd, req.CompanyKey, req.BaseURL, deviceParams); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "login successful, session stored"})
}

func (s *Server) storeURLHandler(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "url is required"})
		return
	}
	if err := s.sessions.StoreFromURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "signed url captured, session stored"})
}

func (s *Server) clearCredentialsHandler(c *gin.Context) {
	if err := s.sessions.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "credentials cleared"})
}

func (s *Server) statusHandler(c *gin.Context) {
	sess, err := s.sessions.Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"configured": true,
		"mode":       sess.Mode,
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
	})
}

func (s *Server) devicesHandler(c *gin.Context) {
	devices, err := s.sessions.ListDevices()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) refreshDevicesHandler(c *gin.Context) {
	devices, err := s.sessions.RefreshDevices(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		if err == session.ErrNoSession {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) getDeviceParamsHandler(c *gin.Context) {
	sess, err := s.sessions.Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	params := sess.Params()
	c.JSON(http.StatusOK, gin.H{
		"configured": true,
		"pn":         params["pn"],
		"sn":         params["sn"],
		"devcode":    params["devcode"],
		"devaddr":    params["devaddr"],
	})
}

func (s *Server) updateDeviceParamsHandler(c *gin.Context) {
	var req struct {
		PN      string `json:"pn"`
		SN      string `json:"sn"`
		Devcode string `json:"devcode"`
		Devaddr string `json:"devaddr"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	sess, err := s.sessions.UpdateDeviceParams(map[string]string{
		"pn":      req.PN,
		"sn":      req.SN,
		"devcode": req.Devcode,
		"devaddr": req.Devaddr,
	})
	if err != nil {
		if err == session.ErrNoSession {
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "no credentials, login first"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "updated_at": sess.UpdatedAt.Format(time.RFC3339)})
}
