package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/service"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

// FleetController is the orchestrator surface the control API needs.
type FleetController interface {
	PollNow()
	DeviceCount() int
}

// Server wires the control/observability HTTP handlers.
type Server struct {
	app        *fiber.App
	cfg        *config.Config
	fleet      FleetController
	fleetSvc   *service.FleetService
	historySvc *service.HistoryService
	authSvc    *service.AuthService
}

// New builds a server instance.
func New(cfg *config.Config, fleet FleetController, fleetSvc *service.FleetService, historySvc *service.HistoryService, authSvc *service.AuthService) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:  cfg.HTTP.ReadTimeout,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AppName:      "fleetsim",
	})
	s := &Server{
		app:        app,
		cfg:        cfg,
		fleet:      fleet,
		fleetSvc:   fleetSvc,
		historySvc: historySvc,
		authSvc:    authSvc,
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	api := s.app.Group("/api", s.requireAuth)
	api.Post("/fleet/poll", s.handlePollNow)
	api.Get("/fleet/summary", s.handleSummary)
	api.Get("/devices", s.handleListDevices)
	api.Get("/devices/:id", s.handleGetDevice)
	api.Get("/deployments", s.handleListDeployments)
	api.Get("/deployments/count/status", s.handleCountByStatus)
	api.Get("/deployments/count/device", s.handleCountByDevice)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":  "ok",
		"devices": s.fleet.DeviceCount(),
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(model.Error("malformed request body"))
	}
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("authentication disabled", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("login ok", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.authSvc.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

func (s *Server) handlePollNow(c *fiber.Ctx) error {
	s.fleet.PollNow()
	return c.JSON(model.Success("poll-now broadcast", fiber.Map{
		"devices": s.fleet.DeviceCount(),
	}))
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	summary, err := s.fleetSvc.Summary(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("fleet summary", summary))
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	views, err := s.fleetSvc.ListViews(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("devices", views))
}

func (s *Server) handleGetDevice(c *fiber.Ctx) error {
	view, err := s.fleetSvc.GetView(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(http.StatusNotFound).JSON(model.Error("device not found"))
		}
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("device", view))
}

func (s *Server) handleListDeployments(c *fiber.Ctx) error {
	filter := service.HistoryFilter{
		DeviceID: c.Query("deviceId"),
		Status:   c.Query("status"),
		PageNum:  parseIntQuery(c.Query("pageNum"), 1),
		PageSize: parseIntQuery(c.Query("pageSize"), 20),
	}
	page, err := s.historySvc.Query(c.Context(), filter)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("deployment history", page))
}

func (s *Server) handleCountByStatus(c *fiber.Ctx) error {
	counts, err := s.historySvc.CountByStatus(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("counts by status", counts))
}

func (s *Server) handleCountByDevice(c *fiber.Ctx) error {
	counts, err := s.historySvc.CountByDevice(c.Context())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("counts by device", counts))
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.authSvc == nil || !s.authSvc.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("missing bearer token"))
	}
	if _, err := s.authSvc.Validate(token); err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("invalid token"))
	}
	return c.Next()
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func parseIntQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
