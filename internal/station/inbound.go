package station

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
)

// handleCSMSCall answers Calls initiated by the CSMS. The simulator supports
// the subset a load test actually exercises; everything else gets a
// NotImplemented CallError.
func (s *Station) handleCSMSCall(action ocpp.Action, payload json.RawMessage) (interface{}, *ocpp.Error) {
	s.log.Info("Received CSMS call", zap.String("action", string(action)))

	switch action {
	case "RemoteStartTransaction":
		return s.handleRemoteStart(payload)
	case "RemoteStopTransaction":
		return s.handleRemoteStop(payload)
	case "Reset":
		return s.handleReset(payload)
	case "ChangeAvailability":
		return s.handleChangeAvailability(payload)
	case "TriggerMessage":
		return s.handleTriggerMessage(payload)
	default:
		return nil, ocpp.NewError(ocpp.ErrCodeNotImplemented, action,
			fmt.Sprintf("action %s not supported by simulator", action))
	}
}

func (s *Station) handleRemoteStart(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req struct {
		IdTag       string `json:"idTag"`
		ConnectorID *int   `json:"connectorId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, "RemoteStartTransaction", err.Error())
	}

	connectorID := 1
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	}
	conn := s.Connector(connectorID)
	if conn == nil || !conn.Available || conn.TransactionStarted {
		return map[string]string{"status": "Rejected"}, nil
	}

	go func() {
		svc := s.RequestService()
		if svc == nil {
			return
		}
		if _, err := svc.SendStartTransaction(context.Background(), connectorID, req.IdTag); err != nil {
			s.log.Error("Remote-started transaction failed", zap.Error(err))
		}
	}()
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) handleRemoteStop(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req struct {
		TransactionID int `json:"transactionId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, "RemoteStopTransaction", err.Error())
	}

	idTag := s.TransactionIdTag(req.TransactionID)
	meterStop := s.EnergyActiveImportRegister(req.TransactionID, true)
	active := false
	for _, id := range s.ConnectorIDs() {
		if s.ActiveTransactionID(id) == req.TransactionID {
			active = true
			break
		}
	}
	if !active {
		return map[string]string{"status": "Rejected"}, nil
	}

	go func() {
		svc := s.RequestService()
		if svc == nil {
			return
		}
		if _, err := svc.SendStopTransaction(context.Background(), req.TransactionID, meterStop, idTag, ocpp.ReasonRemote); err != nil {
			s.log.Error("Remote-stopped transaction failed", zap.Error(err))
		}
	}()
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) handleReset(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req struct {
		Type string `json:"type"`
	}
	json.Unmarshal(payload, &req)
	s.log.Info("Reset requested", zap.String("type", req.Type))

	go func() {
		ctx := context.Background()
		for _, id := range s.ConnectorIDs() {
			txID := s.ActiveTransactionID(id)
			if txID == 0 {
				continue
			}
			svc := s.RequestService()
			if svc == nil {
				return
			}
			reason := ocpp.ReasonSoftReset
			if req.Type == "Hard" {
				reason = ocpp.ReasonHardReset
			}
			meterStop := s.EnergyActiveImportRegister(txID, true)
			if _, err := svc.SendStopTransaction(ctx, txID, meterStop, s.TransactionIdTag(txID), reason); err != nil {
				s.log.Error("Failed to stop transaction on reset", zap.Error(err))
			}
		}
		if err := s.bootNotification(ctx); err != nil {
			s.log.Error("BootNotification after reset failed", zap.Error(err))
		}
	}()
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) handleChangeAvailability(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req struct {
		ConnectorID int    `json:"connectorId"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, "ChangeAvailability", err.Error())
	}

	available := req.Type == "Operative"
	s.mu.Lock()
	if req.ConnectorID == 0 {
		s.available = available
		for _, c := range s.connectors {
			c.Available = available
		}
	} else if c, ok := s.connectors[req.ConnectorID]; ok {
		c.Available = available
	} else {
		s.mu.Unlock()
		return map[string]string{"status": "Rejected"}, nil
	}
	s.mu.Unlock()

	status := ocpp.StatusAvailable
	if !available {
		status = ocpp.StatusUnavailable
	}
	go s.sendStatusNotification(context.Background(), req.ConnectorID, status)
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) handleTriggerMessage(payload json.RawMessage) (interface{}, *ocpp.Error) {
	var req struct {
		RequestedMessage string `json:"requestedMessage"`
		ConnectorID      *int   `json:"connectorId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, "TriggerMessage", err.Error())
	}

	switch req.RequestedMessage {
	case "BootNotification":
		go func() {
			if err := s.bootNotification(context.Background()); err != nil {
				s.log.Error("Triggered BootNotification failed", zap.Error(err))
			}
		}()
	case "Heartbeat":
		go func() {
			svc := s.RequestService()
			if svc == nil {
				return
			}
			if _, err := svc.Do(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, ports.RequestOptions{}); err != nil {
				s.log.Error("Triggered Heartbeat failed", zap.Error(err))
			}
		}()
	case "StatusNotification":
		go func() {
			ctx := context.Background()
			if req.ConnectorID != nil {
				s.sendStatusNotification(ctx, *req.ConnectorID, s.connectorStatus(*req.ConnectorID))
				return
			}
			for _, id := range s.ConnectorIDs() {
				s.sendStatusNotification(ctx, id, s.connectorStatus(id))
			}
		}()
	default:
		return map[string]string{"status": "NotImplemented"}, nil
	}
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) connectorStatus(connectorID int) ocpp.ChargePointStatus {
	if c := s.Connector(connectorID); c != nil && c.Status != "" {
		return ocpp.ChargePointStatus(c.Status)
	}
	return ocpp.StatusAvailable
}
