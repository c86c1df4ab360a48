package status

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/rs/zerolog"

	"github.com/netresearch/winsync-agreement/internal/winsync"
)

// Server exposes a minimal, unauthenticated, read-only view of every
// agreement's Driver status. It accepts no writes and holds no bind
// credentials; it only reads the snapshots Driver.Status() already
// computes for its own state machine.
type Server struct {
	drivers []*winsync.Driver
	log     zerolog.Logger
	fiber   *fiber.App
}

// NewServer builds the status server for the given set of agreement
// drivers, registering all routes.
func NewServer(drivers []*winsync.Driver, log zerolog.Logger) *Server {
	f := fiber.New(fiber.Config{
		AppName:               "winsyncd-status",
		DisableStartupMessage: true,
	})
	f.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	s := &Server{
		drivers: drivers,
		log:     log.With().Str("component", "status").Logger(),
		fiber:   f,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.fiber.Get("/health", s.healthHandler)
	s.fiber.Get("/health/ready", s.readinessHandler)
	s.fiber.Get("/health/live", s.livenessHandler)
	s.fiber.Get("/agreements", s.agreementsHandler)
	s.fiber.Get("/agreements/:name", s.agreementHandler)
}

// Listen starts serving on addr. Blocks until the server is shut down.
func (s *Server) Listen(addr string) error {
	return s.fiber.Listen(addr)
}

// Shutdown gracefully shuts down the status server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.fiber.ShutdownWithContext(ctx)
}

func (s *Server) snapshots() []winsync.AgreementStatus {
	out := make([]winsync.AgreementStatus, 0, len(s.drivers))
	for _, d := range s.drivers {
		out = append(out, d.Status())
	}

	return out
}

func toJSON(st winsync.AgreementStatus) fiber.Map {
	m := fiber.Map{
		"name":               st.Name,
		"state":              st.State.String(),
		"update_in_progress": st.UpdateInProgress,
		"connected":          st.Connected,
		"last_operation":     st.LastOperation,
		"last_status":        st.LastStatus,
	}

	if st.LastError != nil {
		m["last_error"] = st.LastError.Error()
	} else {
		m["last_error"] = nil
	}

	return m
}

// healthHandler reports overall health: healthy when no agreement's Driver
// is in STOP_FATAL_ERROR or STOP_FATAL_ERROR_PART2.
func (s *Server) healthHandler(c *fiber.Ctx) error {
	snaps := s.snapshots()

	unhealthy := make([]string, 0)

	for _, st := range snaps {
		if st.State == winsync.StateStopFatalError || st.State == winsync.StateStopFatalErrorPart2 {
			unhealthy = append(unhealthy, st.Name)
		}
	}

	agreements := make([]fiber.Map, 0, len(snaps))
	for _, st := range snaps {
		agreements = append(agreements, toJSON(st))
	}

	overallHealthy := len(unhealthy) == 0

	if !overallHealthy {
		c.Status(fiber.StatusServiceUnavailable)
	}

	return c.JSON(fiber.Map{
		"overall_healthy": overallHealthy,
		"unhealthy":        unhealthy,
		"agreements":       agreements,
	})
}

// readinessHandler reports 200 once every configured agreement has a
// Driver running (always true by the time the status server is started).
func (s *Server) readinessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ready",
		"agreements": len(s.drivers),
	})
}

// livenessHandler reports that the status server's own process is up.
func (s *Server) livenessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// agreementsHandler lists every agreement's status snapshot.
func (s *Server) agreementsHandler(c *fiber.Ctx) error {
	snaps := s.snapshots()

	out := make([]fiber.Map, 0, len(snaps))
	for _, st := range snaps {
		out = append(out, toJSON(st))
	}

	return c.JSON(out)
}

// agreementHandler returns one agreement's status snapshot by name.
func (s *Server) agreementHandler(c *fiber.Ctx) error {
	name := c.Params("name")

	for _, d := range s.drivers {
		st := d.Status()
		if st.Name == name {
			return c.JSON(toJSON(st))
		}
	}

	c.Status(fiber.StatusNotFound)

	return c.JSON(fiber.Map{"error": "no such agreement", "name": name})
}
