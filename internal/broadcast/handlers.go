package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
	"github.com/voltsim/stationsim/internal/random"
)

// commandHandler executes one worker command against the station. The
// payload arrives with routing fields already stripped.
type commandHandler func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

func (d *Dispatcher) buildHandlers() map[ProcedureName]commandHandler {
	return map[ProcedureName]commandHandler{
		ProcedureStartChargingStation: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, d.station.Start(ctx)
		},
		ProcedureStopChargingStation: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, d.station.Stop(ctx)
		},
		ProcedureDeleteStations: func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return nil, d.station.Delete(ctx, boolField(payload, "deleteConfiguration"))
		},
		ProcedureOpenConnection: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, d.station.OpenWSConnection()
		},
		ProcedureCloseConnection: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, d.station.CloseWSConnection()
		},
		ProcedureStartATG: func(_ context.Context, payload map[string]interface{}) (interface{}, error) {
			return nil, d.station.StartAutomaticTransactionGenerator(intSlice(payload, "connectorIds")...)
		},
		ProcedureStopATG: func(_ context.Context, payload map[string]interface{}) (interface{}, error) {
			return nil, d.station.StopAutomaticTransactionGenerator(intSlice(payload, "connectorIds")...)
		},
		ProcedureSetSupervisionURL: func(_ context.Context, payload map[string]interface{}) (interface{}, error) {
			d.station.SetSupervisionURL(stringField(payload, "url"))
			return nil, nil
		},

		ProcedureStartTransaction:   d.handleStartTransaction,
		ProcedureStopTransaction:    d.handleStopTransaction,
		ProcedureAuthorize:          d.handleAuthorize,
		ProcedureBootNotification:   d.handleBootNotification,
		ProcedureStatusNotification: d.handleStatusNotification,
		ProcedureHeartbeat:          d.handleHeartbeat,
		ProcedureMeterValues:        d.handleMeterValues,
		ProcedureDataTransfer:       d.forwardAction(ocpp.ActionDataTransfer, func() interface{} { return &ocpp.DataTransferRequest{} }),
		ProcedureDiagnosticsStatus: d.forwardAction(ocpp.ActionDiagnosticsStatusNotification, func() interface{} {
			return &ocpp.DiagnosticsStatusNotificationRequest{Status: ocpp.DiagnosticsIdle}
		}),
		ProcedureFirmwareStatus: d.forwardAction(ocpp.ActionFirmwareStatusNotification, func() interface{} {
			return &ocpp.FirmwareStatusNotificationRequest{Status: ocpp.FirmwareIdle}
		}),
	}
}

func (d *Dispatcher) service(action ocpp.Action) (ports.RequestService, error) {
	svc := d.station.RequestService()
	if svc == nil {
		return nil, ocpp.NewError(ocpp.ErrCodeServiceNotStarted, action,
			"WebSocket request service not started")
	}
	return svc, nil
}

// forwardAction builds a handler that decodes the payload into a fresh
// request struct (pre-filled with defaults) and sends it as-is.
func (d *Dispatcher) forwardAction(action ocpp.Action, newReq func() interface{}) commandHandler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		svc, err := d.service(action)
		if err != nil {
			return nil, err
		}
		req := newReq()
		if err := decodePayload(payload, req); err != nil {
			return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, action, err.Error())
		}
		return svc.Do(ctx, action, req, ports.RequestOptions{})
	}
}

func (d *Dispatcher) handleStartTransaction(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionStartTransaction)
	if err != nil {
		return nil, err
	}
	connectorID := intField(payload, "connectorId", 1)
	idTag := stringField(payload, "idTag")
	if idTag == "" && d.station.HasAuthorizedTags() {
		idTag = d.station.RandomIdTag()
	}
	return svc.SendStartTransaction(ctx, connectorID, idTag)
}

func (d *Dispatcher) handleStopTransaction(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionStopTransaction)
	if err != nil {
		return nil, err
	}
	transactionID, ok := optionalIntField(payload, "transactionId")
	if !ok {
		for _, id := range d.station.ConnectorIDs() {
			if tx := d.station.ActiveTransactionID(id); tx != 0 {
				transactionID = tx
				break
			}
		}
	}
	meterStop, ok := optionalInt64Field(payload, "meterStop")
	if !ok {
		meterStop = d.station.EnergyActiveImportRegister(transactionID, true)
	}
	reason := ocpp.Reason(stringField(payload, "reason"))
	if reason == "" {
		reason = ocpp.ReasonNone
	}
	return svc.SendStopTransaction(ctx, transactionID, meterStop, d.station.TransactionIdTag(transactionID), reason)
}

func (d *Dispatcher) handleAuthorize(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionAuthorize)
	if err != nil {
		return nil, err
	}
	idTag := stringField(payload, "idTag")
	if idTag == "" && d.station.HasAuthorizedTags() {
		idTag = d.station.RandomIdTag()
	}
	return svc.Do(ctx, ocpp.ActionAuthorize, ocpp.AuthorizeRequest{IdTag: idTag}, ports.RequestOptions{})
}

// handleBootNotification starts from the station's own boot request so an
// empty payload replays registration; payload fields override the defaults.
func (d *Dispatcher) handleBootNotification(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionBootNotification)
	if err != nil {
		return nil, err
	}
	req := d.station.BootNotificationRequest()
	if err := decodePayload(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, ocpp.ActionBootNotification, err.Error())
	}
	return svc.Do(ctx, ocpp.ActionBootNotification, req, ports.RequestOptions{SkipBufferingOnError: true})
}

func (d *Dispatcher) handleStatusNotification(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionStatusNotification)
	if err != nil {
		return nil, err
	}
	req := ocpp.StatusNotificationRequest{
		ErrorCode: ocpp.ErrorNoError,
		Status:    ocpp.StatusAvailable,
	}
	if err := decodePayload(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, ocpp.ActionStatusNotification, err.Error())
	}
	if req.Timestamp == nil {
		now := time.Now().UTC()
		req.Timestamp = &now
	}
	return svc.Do(ctx, ocpp.ActionStatusNotification, req, ports.RequestOptions{})
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionHeartbeat)
	if err != nil {
		return nil, err
	}
	return svc.Do(ctx, ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, ports.RequestOptions{})
}

// handleMeterValues sends the caller's sample verbatim when one is given,
// otherwise synthesizes a periodic energy reading from the connector's
// register, the way the transaction sampler does.
func (d *Dispatcher) handleMeterValues(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	svc, err := d.service(ocpp.ActionMeterValues)
	if err != nil {
		return nil, err
	}
	connectorID := intField(payload, "connectorId", 1)
	req := ocpp.MeterValuesRequest{ConnectorID: connectorID}
	if _, ok := payload["meterValue"]; ok {
		if err := decodePayload(payload, &req); err != nil {
			return nil, ocpp.NewError(ocpp.ErrCodeFormationViolation, ocpp.ActionMeterValues, err.Error())
		}
		return svc.Do(ctx, ocpp.ActionMeterValues, req, ports.RequestOptions{})
	}

	if txID := d.station.ActiveTransactionID(connectorID); txID != 0 {
		req.TransactionID = &txID
	}
	registerWh := int64(0)
	if req.TransactionID != nil {
		registerWh = d.station.EnergyActiveImportRegister(*req.TransactionID, false)
	}

	// Report the register one sample interval ahead, as if the periodic
	// sampler had just fired.
	interval := d.station.MeterValueSampleInterval()
	maxPowerW := d.station.Info().MaxPowerKW * 1000
	if maxPowerW <= 0 {
		maxPowerW = 7400 // single phase 32 A fallback
	}
	powerW := maxPowerW/2 + random.Float64()*maxPowerW/2
	registerWh += int64(powerW * interval.Hours())

	req.MeterValue = []ocpp.MeterValue{{
		Timestamp: time.Now().UTC(),
		SampledValue: []ocpp.SampledValue{
			{
				Value:     strconv.FormatInt(registerWh, 10),
				Context:   ocpp.ContextSamplePeriodic,
				Measurand: ocpp.MeasurandEnergyActiveImportRegister,
				Unit:      ocpp.UnitWh,
			},
			{
				Value:     strconv.FormatInt(int64(powerW), 10),
				Context:   ocpp.ContextSamplePeriodic,
				Measurand: ocpp.MeasurandPowerActiveImport,
				Unit:      ocpp.UnitW,
			},
		},
	}}
	return svc.Do(ctx, ocpp.ActionMeterValues, req, ports.RequestOptions{})
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("payload does not match request schema: %w", err)
	}
	return nil
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func boolField(payload map[string]interface{}, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func intField(payload map[string]interface{}, key string, def int) int {
	if v, ok := optionalIntField(payload, key); ok {
		return v
	}
	return def
}

func optionalIntField(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func optionalInt64Field(payload map[string]interface{}, key string) (int64, bool) {
	v, ok := optionalIntField(payload, key)
	return int64(v), ok
}

func intSlice(payload map[string]interface{}, key string) []int {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
