package atg

import (
	"context"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ocpp"
)

// Measurement names bracketing the generator's OCPP operations.
const (
	MeasureStartTransaction = "StartTransaction with ATG"
	MeasureStopTransaction  = "StopTransaction with ATG"
)

// StartOutcome is the sum of the two ways a start attempt resolves: the
// CSMS answered StartTransaction, or a required Authorize was rejected
// first and no StartTransaction was issued.
type StartOutcome struct {
	Start     *ocpp.StartTransactionResponse
	Authorize *ocpp.AuthorizeResponse
}

// Accepted reports whether a transaction is actually running.
func (o StartOutcome) Accepted() bool {
	return o.Start != nil && o.Start.IdTagInfo.Status == ocpp.AuthorizationAccepted
}

// TransactionID returns the CSMS-assigned id, or 0 when no transaction
// was opened.
func (o StartOutcome) TransactionID() int {
	if o.Start == nil {
		return 0
	}
	return o.Start.TransactionID
}

// AuthorizationStatus returns the verdict that decided the outcome.
func (o StartOutcome) AuthorizationStatus() ocpp.AuthorizationStatus {
	switch {
	case o.Start != nil:
		return o.Start.IdTagInfo.Status
	case o.Authorize != nil:
		return o.Authorize.IdTagInfo.Status
	default:
		return ""
	}
}

// StopOutcome reports a stop attempt. Skipped means the connector had no
// running transaction; callers treat that as a defined no-op.
type StopOutcome struct {
	Response *ocpp.StopTransactionResponse
	Skipped  bool
}

// startTransaction opens a transaction on the connector, authorizing first
// when the template demands it.
func (g *Generator) startTransaction(ctx context.Context, connectorID int) (StartOutcome, error) {
	token := g.perf.BeginMeasure(MeasureStartTransaction)
	defer func() { g.perf.EndMeasure(MeasureStartTransaction, token) }()

	svc := g.station.RequestService()
	if svc == nil {
		return StartOutcome{}, ocpp.NewError(ocpp.ErrCodeServiceNotStarted, ocpp.ActionStartTransaction,
			"request service is not initialized")
	}

	if !g.station.HasAuthorizedTags() {
		resp, err := svc.SendStartTransaction(ctx, connectorID, "")
		if err != nil {
			return StartOutcome{}, err
		}
		return StartOutcome{Start: resp}, nil
	}

	idTag := g.station.RandomIdTag()
	if g.station.RequireAuthorize() {
		authResp, err := svc.SendAuthorize(ctx, connectorID, idTag)
		if err != nil {
			return StartOutcome{}, err
		}
		if authResp.IdTagInfo.Status != ocpp.AuthorizationAccepted {
			return StartOutcome{Authorize: authResp}, nil
		}
	}

	resp, err := svc.SendStartTransaction(ctx, connectorID, idTag)
	if err != nil {
		return StartOutcome{}, err
	}
	return StartOutcome{Start: resp}, nil
}

// stopTransaction closes the connector's running transaction, reporting the
// final energy register reading and the id tag that opened it.
func (g *Generator) stopTransaction(ctx context.Context, connectorID int, reason ocpp.Reason) (StopOutcome, error) {
	token := g.perf.BeginMeasure(MeasureStopTransaction)
	defer func() { g.perf.EndMeasure(MeasureStopTransaction, token) }()

	conn := g.station.Connector(connectorID)
	if conn == nil || !conn.TransactionStarted {
		g.log.Warn("Trying to stop a transaction on a connector with none running",
			zap.Int("connector_id", connectorID))
		return StopOutcome{Skipped: true}, nil
	}

	svc := g.station.RequestService()
	if svc == nil {
		return StopOutcome{}, ocpp.NewError(ocpp.ErrCodeServiceNotStarted, ocpp.ActionStopTransaction,
			"request service is not initialized")
	}

	transactionID := conn.TransactionID
	meterStop := g.station.EnergyActiveImportRegister(transactionID, true)
	idTag := g.station.TransactionIdTag(transactionID)

	resp, err := svc.SendStopTransaction(ctx, transactionID, meterStop, idTag, reason)
	if err != nil {
		return StopOutcome{}, err
	}
	return StopOutcome{Response: resp}, nil
}
