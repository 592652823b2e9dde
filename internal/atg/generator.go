// Package atg implements the automatic transaction generator: a per-station
// supervisor that drives synthetic charging transactions on every operative
// connector until its running budget is spent.
package atg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
	"github.com/voltsim/stationsim/internal/random"
)

const (
	// DefaultStopAfterHours is the running budget applied by the config
	// loader when a template does not set one.
	DefaultStopAfterHours = 0.25

	// InitializationPollInterval paces the only sanctioned busy-wait:
	// polling for the request service while the WebSocket is still down.
	InitializationPollInterval = time.Second

	// WaitTimeAfterReject is the cool-off after the CSMS rejects a start.
	WaitTimeAfterReject = 5 * time.Second
)

// connectorState is the per-connector loop bookkeeping. The start flag is
// the cooperative cancellation point: loops re-check it at the head of every
// iteration and during the init poll.
type connectorState struct {
	start              atomic.Bool
	running            atomic.Bool
	startedTx          atomic.Int64
	acceptedTx         atomic.Int64
	rejectedTx         atomic.Int64
	skippedConsecutive atomic.Int64
	skippedTotal       atomic.Int64
}

// Status is a point-in-time snapshot of the generator, served by the
// status API.
type Status struct {
	Started     bool                    `json:"started"`
	StartDate   time.Time               `json:"start_date,omitempty"`
	LastRunDate time.Time               `json:"last_run_date,omitempty"`
	StopDate    time.Time               `json:"stop_date,omitempty"`
	Connectors  map[int]ConnectorStatus `json:"connectors"`
}

// ConnectorStatus is the per-connector slice of Status.
type ConnectorStatus struct {
	Start              bool  `json:"start"`
	StartedTx          int64 `json:"started_transactions"`
	AcceptedTx         int64 `json:"accepted_transactions"`
	RejectedTx         int64 `json:"rejected_transactions"`
	SkippedConsecutive int64 `json:"skipped_consecutive_transactions"`
	SkippedTotal       int64 `json:"skipped_transactions"`
}

// Generator supervises the per-connector transaction loops of one station.
type Generator struct {
	station ports.ChargingStation
	perf    ports.MeasurementTracker
	cfg     domain.ATGConfig
	log     *zap.Logger

	mu          sync.Mutex
	started     bool
	startDate   time.Time
	lastRunDate time.Time
	stopDate    time.Time
	connectors  map[int]*connectorState

	wg sync.WaitGroup
}

// New builds a generator for the station. The config comes from the
// station template; bounds are taken as given, the loader owns defaulting.
func New(station ports.ChargingStation, perf ports.MeasurementTracker, cfg domain.ATGConfig, log *zap.Logger) *Generator {
	return &Generator{
		station:    station,
		perf:       perf,
		cfg:        cfg,
		log:        log.With(zap.String("hash_id", station.HashID())),
		connectors: make(map[int]*connectorState),
	}
}

// Start marks the generator started and launches one loop per positive
// connector id, or per listed id when connectorIDs is given. It never
// blocks on loop work: every loop begins on its own goroutine. A second
// full Start while running is a logged no-op.
func (g *Generator) Start(connectorIDs ...int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(connectorIDs) == 0 && g.started {
		g.log.Warn("Transaction generator is already started")
		return nil
	}

	if !g.started {
		now := time.Now()
		budget := time.Duration(g.cfg.StopAfterHours * float64(time.Hour))
		// A restart only gets the budget that previous runs left over.
		if !g.lastRunDate.IsZero() {
			budget -= g.lastRunDate.Sub(g.startDate)
		}
		g.startDate = now
		g.lastRunDate = now
		g.stopDate = now.Add(budget)
		g.started = true
		g.log.Info("Transaction generator started",
			zap.Time("stop_date", g.stopDate),
			zap.Duration("budget", budget),
		)
	}

	ids := connectorIDs
	if len(ids) == 0 {
		ids = g.station.ConnectorIDs()
	}
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		g.startConnectorLocked(id)
	}
	return nil
}

// Stop flips the generator off and clears every connector start flag, or
// only the listed ones when connectorIDs is given. It does not wait for
// loops: they observe their flag at the next safe point and exit, closing
// any open transaction on the way out.
func (g *Generator) Stop(connectorIDs ...int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		g.log.Warn("Transaction generator is already stopped")
		return nil
	}

	if len(connectorIDs) == 0 {
		g.started = false
		for id, st := range g.connectors {
			st.start.Store(false)
			g.log.Debug("Transaction generator loop stop requested", zap.Int("connector_id", id))
		}
		g.log.Info("Transaction generator stopped")
		return nil
	}

	for _, id := range connectorIDs {
		if st, ok := g.connectors[id]; ok {
			st.start.Store(false)
		}
	}
	return nil
}

// Started reports whether the generator is running.
func (g *Generator) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// ConnectorStartStatus reports the cooperative start flag of a connector.
func (g *Generator) ConnectorStartStatus(connectorID int) bool {
	g.mu.Lock()
	st, ok := g.connectors[connectorID]
	g.mu.Unlock()
	return ok && st.start.Load()
}

// Status snapshots the generator for the status API.
func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Status{
		Started:     g.started,
		StartDate:   g.startDate,
		LastRunDate: g.lastRunDate,
		StopDate:    g.stopDate,
		Connectors:  make(map[int]ConnectorStatus, len(g.connectors)),
	}
	for id, st := range g.connectors {
		s.Connectors[id] = ConnectorStatus{
			Start:              st.start.Load(),
			StartedTx:          st.startedTx.Load(),
			AcceptedTx:         st.acceptedTx.Load(),
			RejectedTx:         st.rejectedTx.Load(),
			SkippedConsecutive: st.skippedConsecutive.Load(),
			SkippedTotal:       st.skippedTotal.Load(),
		}
	}
	return s
}

// Wait blocks until every loop goroutine has exited. Used by shutdown and
// by tests; normal Stop does not wait.
func (g *Generator) Wait() {
	g.wg.Wait()
}

func (g *Generator) startConnectorLocked(connectorID int) {
	st, ok := g.connectors[connectorID]
	if !ok {
		st = &connectorState{}
		g.connectors[connectorID] = st
	}
	if st.running.Load() {
		g.log.Warn("Transaction loop is already running", zap.Int("connector_id", connectorID))
		st.start.Store(true)
		return
	}
	st.start.Store(true)
	st.running.Store(true)
	g.wg.Add(1)
	go g.runLoop(connectorID, st)
}

func (g *Generator) setLastRun(t time.Time) {
	g.mu.Lock()
	g.lastRunDate = t
	g.mu.Unlock()
}

func (g *Generator) pastStopDate(t time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.After(g.stopDate)
}

// runLoop drives one connector: wait, probabilistically start, hold for the
// drawn duration, stop, repeat. Failures stay inside the loop; the
// generator itself only logs.
func (g *Generator) runLoop(connectorID int, st *connectorState) {
	defer g.wg.Done()
	defer st.running.Store(false)

	log := g.log.With(zap.Int("connector_id", connectorID))
	log.Info("Transaction loop started")

	defer func() {
		if r := recover(); r != nil {
			log.Error("Transaction loop panicked", zap.Any("panic", r))
		}
		st.start.Store(false)
		// Never leave a transaction open behind an exiting loop.
		if conn := g.station.Connector(connectorID); conn != nil && conn.TransactionStarted {
			if _, err := g.stopTransaction(context.Background(), connectorID, ocpp.ReasonNone); err != nil {
				log.Error("Failed to close transaction on loop exit", zap.Error(err))
			}
		}
		log.Info("Transaction loop stopped")
	}()

	ctx := context.Background()

	for st.start.Load() {
		now := time.Now()
		if g.pastStopDate(now) {
			log.Info("Transaction generator budget exhausted")
			g.Stop()
			return
		}
		if !g.station.IsRegistered() {
			log.Error("Station is not registered with the CSMS, stopping loop")
			return
		}
		if !g.station.IsAvailable() {
			log.Info("Station is not available, stopping generator")
			g.Stop()
			return
		}
		if !g.station.IsConnectorAvailable(connectorID) {
			log.Info("Connector is not available, stopping loop")
			return
		}

		// The request service only exists once the WebSocket is open.
		for g.station.RequestService() == nil {
			if !st.start.Load() {
				return
			}
			time.Sleep(InitializationPollInterval)
		}

		wait := random.UniformSeconds(
			g.cfg.MinDelayBetweenTwoTransactions,
			g.cfg.MaxDelayBetweenTwoTransactions,
		)
		log.Debug("Waiting between transactions", zap.Duration("wait", wait))
		time.Sleep(wait)

		if draw := random.Float64(); draw < g.cfg.ProbabilityOfStart {
			st.startedTx.Add(1)

			outcome, err := g.startTransaction(ctx, connectorID)
			switch {
			case err != nil:
				st.rejectedTx.Add(1)
				log.Error("Failed to start transaction", zap.Error(err))
				time.Sleep(WaitTimeAfterReject)
			case !outcome.Accepted():
				st.rejectedTx.Add(1)
				log.Warn("Transaction start rejected by CSMS",
					zap.String("status", string(outcome.AuthorizationStatus())))
				time.Sleep(WaitTimeAfterReject)
			default:
				st.acceptedTx.Add(1)
				st.skippedConsecutive.Store(0)
				duration := random.UniformSeconds(g.cfg.MinDuration, g.cfg.MaxDuration)
				log.Info("Transaction started",
					zap.Int("transaction_id", outcome.TransactionID()),
					zap.Duration("duration", duration),
				)
				time.Sleep(duration)
				if _, err := g.stopTransaction(ctx, connectorID, ocpp.ReasonNone); err != nil {
					log.Error("Failed to stop transaction", zap.Error(err))
				}
			}
		} else {
			st.skippedConsecutive.Add(1)
			st.skippedTotal.Add(1)
			log.Info("Transaction start skipped",
				zap.Int64("skipped_consecutive", st.skippedConsecutive.Load()),
				zap.Int64("skipped_total", st.skippedTotal.Load()),
			)
		}

		g.setLastRun(time.Now())
	}
}
