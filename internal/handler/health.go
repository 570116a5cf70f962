package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"dial-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string              `json:"status"`
	Version     string              `json:"version"`
	Deployments []deploymentSummary `json:"deployments"`
}

type deploymentSummary struct {
	Name     string   `json:"name"`
	Model    string   `json:"upstream_model,omitempty"`
	Pipeline []string `json:"pipeline"`
}

// Status returns the build version and the configured deployments with their pipelines.
func (h *HealthHandler) Status(c echo.Context) error {
	names := h.cfg.DeploymentNames()
	deployments := make([]deploymentSummary, 0, len(names))
	for _, name := range names {
		deployments = append(deployments, deploymentSummary{
			Name:     name,
			Model:    h.cfg.Deployments[name].UpstreamModel,
			Pipeline: h.cfg.StepsFor(name),
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		Deployments: deployments,
	})
}
