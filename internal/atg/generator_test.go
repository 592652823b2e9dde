package atg

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/mocks"
	"github.com/voltsim/stationsim/internal/ocpp"
)

func fastConfig() domain.ATGConfig {
	return domain.ATGConfig{
		Enable:                         true,
		StopAfterHours:                 1,
		MinDelayBetweenTwoTransactions: 0.005,
		MaxDelayBetweenTwoTransactions: 0.01,
		MinDuration:                    0.005,
		MaxDuration:                    0.01,
		ProbabilityOfStart:             1,
	}
}

func newTestGenerator(t *testing.T, cfg domain.ATGConfig) (*Generator, *mocks.MockChargingStation, *mocks.MockRequestService) {
	t.Helper()
	station := mocks.NewMockChargingStation("hash-atg", 2)
	service := mocks.NewMockRequestService(station)
	station.Service = service
	g := New(station, &mocks.MockMeasurementTracker{}, cfg, zap.NewNop())
	return g, station, service
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestGeneratorRunsTransactions(t *testing.T) {
	g, station, service := newTestGenerator(t, fastConfig())

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return service.StartCount() >= 2 }) {
		t.Fatalf("expected at least 2 started transactions, got %d", service.StartCount())
	}

	g.Stop()
	g.Wait()

	status := g.Status()
	if status.Started {
		t.Error("generator still reports started after Stop")
	}
	accepted := int64(0)
	for _, cs := range status.Connectors {
		if cs.Start {
			t.Error("connector start flag still set after Stop")
		}
		accepted += cs.AcceptedTx
	}
	if accepted == 0 {
		t.Error("no accepted transactions recorded")
	}
	for _, id := range station.ConnectorIDs() {
		if station.ActiveTransactionID(id) != 0 {
			t.Errorf("connector %d left with an open transaction", id)
		}
	}
}

func TestGeneratorSkipsWhenProbabilityZero(t *testing.T) {
	cfg := fastConfig()
	cfg.ProbabilityOfStart = 0
	g, _, service := newTestGenerator(t, cfg)

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	skipped := func() int64 {
		total := int64(0)
		for _, cs := range g.Status().Connectors {
			total += cs.SkippedTotal
		}
		return total
	}
	if !waitFor(t, 2*time.Second, func() bool { return skipped() >= 3 }) {
		t.Fatalf("expected skipped iterations, got %d", skipped())
	}

	g.Stop()
	g.Wait()

	if service.StartCount() != 0 {
		t.Errorf("StartTransaction sent %d times with probability 0", service.StartCount())
	}
}

func TestGeneratorStopsImmediatelyWithZeroBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.StopAfterHours = 0
	g, _, service := newTestGenerator(t, cfg)

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	g.Wait()

	if service.StartCount() != 0 {
		t.Errorf("StartTransaction sent %d times with exhausted budget", service.StartCount())
	}
	if g.Started() {
		t.Error("generator still started after budget exhaustion")
	}
}

func TestGeneratorBudgetPreservedAcrossRestart(t *testing.T) {
	cfg := fastConfig()
	cfg.StopAfterHours = 1
	g, _, _ := newTestGenerator(t, cfg)

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	g.Stop()
	g.Wait()

	// Pretend the first run consumed 30 minutes of the one hour budget.
	g.mu.Lock()
	g.lastRunDate = g.startDate.Add(30 * time.Minute)
	g.mu.Unlock()

	restart := time.Now()
	if err := g.Start(); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	defer func() {
		g.Stop()
		g.Wait()
	}()

	remaining := g.Status().StopDate.Sub(restart)
	if remaining < 29*time.Minute || remaining > 31*time.Minute {
		t.Errorf("restart budget = %v, want about 30m", remaining)
	}
}

func TestGeneratorSecondStartIsNoOp(t *testing.T) {
	g, _, _ := newTestGenerator(t, fastConfig())

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first := g.Status().StopDate
	if err := g.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if got := g.Status().StopDate; !got.Equal(first) {
		t.Errorf("second Start moved stop date from %v to %v", first, got)
	}

	g.Stop()
	g.Wait()
}

func TestGeneratorScopedStopKeepsOthersRunning(t *testing.T) {
	g, _, _ := newTestGenerator(t, fastConfig())

	if err := g.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := g.Stop(1); err != nil {
		t.Fatalf("Stop(1) error: %v", err)
	}

	if !g.Started() {
		t.Error("scoped stop flipped the whole generator off")
	}
	if g.ConnectorStartStatus(1) {
		t.Error("connector 1 start flag still set after scoped stop")
	}
	if !g.ConnectorStartStatus(2) {
		t.Error("connector 2 start flag cleared by scoped stop of connector 1")
	}

	g.Stop()
	g.Wait()
}

func TestGeneratorRejectedStartLeavesSkipCountersAlone(t *testing.T) {
	g, _, service := newTestGenerator(t, fastConfig())
	service.StartTransactionFunc = func(context.Context, int, string) (*ocpp.StartTransactionResponse, error) {
		return &ocpp.StartTransactionResponse{
			TransactionID: 0,
			IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid},
		}, nil
	}

	if err := g.Start(1); err != nil {
		t.Fatalf("Start(1) error: %v", err)
	}
	rejected := func() int64 { return g.Status().Connectors[1].RejectedTx }
	if !waitFor(t, 2*time.Second, func() bool { return rejected() >= 1 }) {
		t.Fatalf("expected a rejected transaction, got %d", rejected())
	}

	// The loop is now inside the post-reject cool-off; do not wait it out.
	g.Stop()

	cs := g.Status().Connectors[1]
	if cs.SkippedTotal != 0 || cs.SkippedConsecutive != 0 {
		t.Errorf("rejected start touched skip counters: total=%d consecutive=%d",
			cs.SkippedTotal, cs.SkippedConsecutive)
	}
	if cs.StartedTx < 1 {
		t.Errorf("started counter = %d, want >= 1", cs.StartedTx)
	}
}

func TestStartTransactionWithoutService(t *testing.T) {
	g, station, _ := newTestGenerator(t, fastConfig())
	station.Service = nil

	_, err := g.startTransaction(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error without request service")
	}
	var ocppErr *ocpp.Error
	if !errors.As(err, &ocppErr) || ocppErr.Code != ocpp.ErrCodeServiceNotStarted {
		t.Errorf("error = %v, want ServiceNotStarted", err)
	}
}

func TestStartTransactionAuthorizeRejected(t *testing.T) {
	g, station, service := newTestGenerator(t, fastConfig())
	station.Tags = []string{"TAG-1"}
	station.RequireAuth = true
	service.AuthorizeFunc = func(context.Context, int, string) (*ocpp.AuthorizeResponse, error) {
		return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationBlocked}}, nil
	}

	outcome, err := g.startTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("startTransaction error: %v", err)
	}
	if outcome.Accepted() {
		t.Error("outcome accepted despite rejected authorize")
	}
	if outcome.AuthorizationStatus() != ocpp.AuthorizationBlocked {
		t.Errorf("status = %s, want Blocked", outcome.AuthorizationStatus())
	}
	if len(service.StartCalls) != 0 {
		t.Error("StartTransaction sent after rejected authorize")
	}
}

func TestStartTransactionAuthorizesWhenRequired(t *testing.T) {
	g, station, service := newTestGenerator(t, fastConfig())
	station.Tags = []string{"TAG-1"}
	station.RequireAuth = true

	outcome, err := g.startTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("startTransaction error: %v", err)
	}
	if !outcome.Accepted() {
		t.Error("outcome not accepted")
	}
	if len(service.AuthorizeCalls) != 1 {
		t.Errorf("authorize calls = %d, want 1", len(service.AuthorizeCalls))
	}
	if outcome.TransactionID() == 0 {
		t.Error("no transaction id assigned")
	}
}

func TestStopTransactionWithoutActiveIsSkipped(t *testing.T) {
	g, _, service := newTestGenerator(t, fastConfig())

	outcome, err := g.stopTransaction(context.Background(), 1, ocpp.ReasonNone)
	if err != nil {
		t.Fatalf("stopTransaction error: %v", err)
	}
	if !outcome.Skipped {
		t.Error("stop without active transaction not reported as skipped")
	}
	if service.StopCount() != 0 {
		t.Error("StopTransaction sent without an active transaction")
	}
}

func TestStopTransactionReportsFinalRegister(t *testing.T) {
	g, station, service := newTestGenerator(t, fastConfig())
	station.OpenTransaction(1, 42, "TAG-9")
	station.Connectors[1].EnergyActiveImportRegister = 1500

	var gotMeterStop int64
	var gotIdTag string
	service.StopTransactionFunc = func(_ context.Context, txID int, meterStop int64, idTag string, _ ocpp.Reason) (*ocpp.StopTransactionResponse, error) {
		gotMeterStop = meterStop
		gotIdTag = idTag
		station.CloseTransaction(txID)
		return &ocpp.StopTransactionResponse{}, nil
	}

	outcome, err := g.stopTransaction(context.Background(), 1, ocpp.ReasonNone)
	if err != nil {
		t.Fatalf("stopTransaction error: %v", err)
	}
	if outcome.Skipped {
		t.Error("stop reported skipped with an active transaction")
	}
	if gotMeterStop != 1500 {
		t.Errorf("meterStop = %d, want 1500", gotMeterStop)
	}
	if gotIdTag != "TAG-9" {
		t.Errorf("idTag = %q, want TAG-9", gotIdTag)
	}
}
