package station

import (
	"context"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
)

// requestService adapts the OCPP client to ports.RequestService and feeds
// responses back into the connector table. The generator and the command
// dispatcher only read connector state; every mutation happens here, on
// the response path.
type requestService struct {
	station *Station
	client  *ocpp.Client
}

func (r *requestService) Do(ctx context.Context, action ocpp.Action, payload interface{}, opts ports.RequestOptions) (interface{}, error) {
	resp, err := r.client.Do(ctx, action, payload, opts.SkipBufferingOnError)
	if err != nil {
		return nil, err
	}
	r.station.applyResponse(action, payload, resp)
	return resp, nil
}

func (r *requestService) SendAuthorize(ctx context.Context, connectorID int, idTag string) (*ocpp.AuthorizeResponse, error) {
	return r.client.SendAuthorize(ctx, connectorID, idTag)
}

func (r *requestService) SendStartTransaction(ctx context.Context, connectorID int, idTag string) (*ocpp.StartTransactionResponse, error) {
	resp, err := r.client.SendStartTransaction(ctx, connectorID, idTag)
	if err != nil {
		return nil, err
	}
	if resp.IdTagInfo.Status == ocpp.AuthorizationAccepted {
		r.station.openTransaction(connectorID, resp.TransactionID, idTag)
	}
	return resp, nil
}

func (r *requestService) SendStopTransaction(ctx context.Context, transactionID int, meterStop int64, idTag string, reason ocpp.Reason) (*ocpp.StopTransactionResponse, error) {
	resp, err := r.client.SendStopTransaction(ctx, transactionID, meterStop, idTag, reason)
	if err != nil {
		return nil, err
	}
	r.station.closeTransaction(transactionID)
	return resp, nil
}

// applyResponse routes typed responses from the generic Do path into the
// same state transitions the convenience calls perform.
func (s *Station) applyResponse(action ocpp.Action, payload, resp interface{}) {
	switch action {
	case ocpp.ActionBootNotification:
		if boot, ok := resp.(*ocpp.BootNotificationResponse); ok {
			s.handleBootResponse(boot)
		}
	case ocpp.ActionStartTransaction:
		req, okReq := payload.(ocpp.StartTransactionRequest)
		start, okResp := resp.(*ocpp.StartTransactionResponse)
		if okReq && okResp && start.IdTagInfo.Status == ocpp.AuthorizationAccepted {
			s.openTransaction(req.ConnectorID, start.TransactionID, req.IdTag)
		}
	case ocpp.ActionStopTransaction:
		if req, ok := payload.(ocpp.StopTransactionRequest); ok {
			s.closeTransaction(req.TransactionID)
		}
	}
}

// openTransaction records an accepted start on the connector and begins
// meter value sampling.
func (s *Station) openTransaction(connectorID, transactionID int, idTag string) {
	s.mu.Lock()
	conn, ok := s.connectors[connectorID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("StartTransaction accepted for unknown connector", zap.Int("connector_id", connectorID))
		return
	}
	conn.TransactionStarted = true
	conn.TransactionID = transactionID
	conn.TransactionIdTag = idTag
	conn.Status = string(ocpp.StatusCharging)
	s.mu.Unlock()

	s.startSampler(connectorID, transactionID)

	go s.sendStatusNotification(context.Background(), connectorID, ocpp.StatusCharging)
}

// closeTransaction clears the connector running transactionID. The energy
// register is cumulative and survives the transaction.
func (s *Station) closeTransaction(transactionID int) {
	s.mu.Lock()
	var connectorID int
	found := false
	for id, c := range s.connectors {
		if c.TransactionID == transactionID {
			c.TransactionStarted = false
			c.TransactionID = 0
			c.TransactionIdTag = ""
			c.Status = string(ocpp.StatusAvailable)
			connectorID = id
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		s.log.Warn("StopTransaction for unknown transaction", zap.Int("transaction_id", transactionID))
		return
	}

	s.stopSampler(connectorID)

	go s.sendStatusNotification(context.Background(), connectorID, ocpp.StatusAvailable)
}
