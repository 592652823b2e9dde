// Package api serves the simulator's status endpoints: fleet inventory,
// per-station detail with generator state, and performance statistics.
package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/fleet"
	"github.com/voltsim/stationsim/internal/perf"
	"github.com/voltsim/stationsim/internal/station"
)

type Server struct {
	app      *fiber.App
	registry *fleet.Registry
	perf     *perf.Tracker
	log      *zap.Logger
}

func NewServer(registry *fleet.Registry, tracker *perf.Tracker, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "stationsim",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			log.Error("API request failed",
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err),
			)
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	s := &Server{app: app, registry: registry, perf: tracker, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	v1 := s.app.Group("/api/v1")
	v1.Get("/stations", s.listStations)
	v1.Get("/stations/:hashId", s.getStation)
	v1.Get("/performance", s.performance)
}

// Listen blocks serving HTTP until Shutdown is called.
func (s *Server) Listen(port int) error {
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"stations": s.registry.Len(),
		"time":     time.Now().UTC(),
	})
}

type stationSummary struct {
	StationID  string `json:"stationId"`
	HashID     string `json:"hashId"`
	Registered bool   `json:"registered"`
	Available  bool   `json:"available"`
	Connectors int    `json:"connectors"`
	ATGStarted bool   `json:"atgStarted"`
}

func (s *Server) listStations(c *fiber.Ctx) error {
	stations := s.registry.List()
	out := make([]stationSummary, 0, len(stations))
	for _, st := range stations {
		out = append(out, summarize(st))
	}
	return c.JSON(out)
}

func (s *Server) getStation(c *fiber.Ctx) error {
	st := s.registry.Get(c.Params("hashId"))
	if st == nil {
		return fiber.NewError(fiber.StatusNotFound, "unknown station hash id")
	}

	connectors := make([]fiber.Map, 0)
	for _, id := range st.ConnectorIDs() {
		conn := st.Connector(id)
		if conn == nil {
			continue
		}
		connectors = append(connectors, fiber.Map{
			"id":                 conn.ID,
			"available":          conn.Available,
			"status":             conn.Status,
			"transactionStarted": conn.TransactionStarted,
			"transactionId":      conn.TransactionID,
			"energyRegisterWh":   conn.EnergyActiveImportRegister,
		})
	}

	return c.JSON(fiber.Map{
		"summary":    summarize(st),
		"info":       st.Info(),
		"connectors": connectors,
		"generator":  st.Generator().Status(),
	})
}

func (s *Server) performance(c *fiber.Ctx) error {
	snapshot := s.perf.Snapshot()
	out := make(fiber.Map, len(snapshot))
	for name, stats := range snapshot {
		out[name] = fiber.Map{
			"count": stats.Count,
			"minMs": stats.Min.Milliseconds(),
			"maxMs": stats.Max.Milliseconds(),
			"avgMs": stats.Avg().Milliseconds(),
		}
	}
	return c.JSON(out)
}

func summarize(st *station.Station) stationSummary {
	info := st.Info()
	return stationSummary{
		StationID:  info.ID,
		HashID:     st.HashID(),
		Registered: st.IsRegistered(),
		Available:  st.IsAvailable(),
		Connectors: info.Connectors,
		ATGStarted: st.Generator().Started(),
	}
}
