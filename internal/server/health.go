package server

import (
	"github.com/gofiber/fiber/v2"
)

// healthHandler reports pool and notification-dispatch health, the way
// the teacher's healthHandler reports cache/pool health.
func (a *App) healthHandler(c *fiber.Ctx) error {
	stat := a.db.Pool.Stat()
	poolHealthy := stat.TotalConns() > 0

	body := fiber.Map{
		"overall_healthy": poolHealthy,
		"database_pool": fiber.Map{
			"total_connections":  stat.TotalConns(),
			"idle_connections":   stat.IdleConns(),
			"acquired_connections": stat.AcquiredConns(),
		},
	}

	if a.dispatch != nil {
		body["notifications"] = a.dispatch.Metrics.Snapshot()
	} else {
		body["notifications"] = "disabled"
	}

	if !poolHealthy {
		c.Status(fiber.StatusServiceUnavailable)
	}

	return c.JSON(body)
}

// readinessHandler reports 200 once the database pool has at least one
// live connection.
func (a *App) readinessHandler(c *fiber.Ctx) error {
	if a.db.Pool.Stat().TotalConns() == 0 {
		c.Status(fiber.StatusServiceUnavailable)

		return c.JSON(fiber.Map{"status": "not ready", "reason": "database pool has no connections"})
	}

	return c.JSON(fiber.Map{"status": "ready"})
}

// livenessHandler reports 200 as long as the process is serving requests.
func (a *App) livenessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}
