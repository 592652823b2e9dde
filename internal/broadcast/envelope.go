// Package broadcast implements the worker command channel: an outside
// orchestrator publishes request envelopes, each station's dispatcher
// validates targeting, runs the matching handler, and publishes exactly one
// response envelope per accepted request.
package broadcast

import (
	"encoding/json"
	"fmt"
)

// ProcedureName names a command on the worker channel. Most map 1:1 to an
// OCPP action; the rest steer station lifecycle.
type ProcedureName string

const (
	ProcedureStartChargingStation ProcedureName = "StartChargingStation"
	ProcedureStopChargingStation  ProcedureName = "StopChargingStation"
	ProcedureDeleteStations       ProcedureName = "DeleteChargingStations"
	ProcedureOpenConnection       ProcedureName = "OpenConnection"
	ProcedureCloseConnection      ProcedureName = "CloseConnection"
	ProcedureStartATG             ProcedureName = "StartAutomaticTransactionGenerator"
	ProcedureStopATG              ProcedureName = "StopAutomaticTransactionGenerator"
	ProcedureSetSupervisionURL    ProcedureName = "SetSupervisionUrl"

	ProcedureStartTransaction    ProcedureName = "StartTransaction"
	ProcedureStopTransaction     ProcedureName = "StopTransaction"
	ProcedureAuthorize           ProcedureName = "Authorize"
	ProcedureBootNotification    ProcedureName = "BootNotification"
	ProcedureStatusNotification  ProcedureName = "StatusNotification"
	ProcedureHeartbeat           ProcedureName = "Heartbeat"
	ProcedureMeterValues         ProcedureName = "MeterValues"
	ProcedureDataTransfer        ProcedureName = "DataTransfer"
	ProcedureDiagnosticsStatus   ProcedureName = "DiagnosticsStatusNotification"
	ProcedureFirmwareStatus      ProcedureName = "FirmwareStatusNotification"
)

// ResponseStatus is the envelope-level verdict.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseFailure ResponseStatus = "failure"
)

// ResponsePayload is the body of a response envelope. Failure responses
// carry either the semantic commandResponse or the thrown error fields,
// never both.
type ResponsePayload struct {
	HashID          string                 `json:"hashId"`
	Status          ResponseStatus         `json:"status"`
	Command         ProcedureName          `json:"command,omitempty"`
	RequestPayload  map[string]interface{} `json:"requestPayload,omitempty"`
	CommandResponse interface{}            `json:"commandResponse,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	ErrorStack      string                 `json:"errorStack,omitempty"`
	ErrorDetails    map[string]interface{} `json:"errorDetails,omitempty"`
}

// EncodeRequest frames a request envelope as the [uuid, command, payload]
// JSON tuple carried on the channel. Used by orchestrators and tests.
func EncodeRequest(uuid string, command ProcedureName, payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal([]interface{}{uuid, command, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request envelope: %w", err)
	}
	return data, nil
}

// EncodeResponse frames a response envelope as the [uuid, payload] tuple.
func EncodeResponse(uuid string, payload ResponsePayload) ([]byte, error) {
	data, err := json.Marshal([]interface{}{uuid, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response envelope: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response envelope. Used by orchestrators and
// tests; the dispatcher itself never re-handles responses.
func DecodeResponse(data []byte) (uuid string, payload ResponsePayload, err error) {
	var raw []json.RawMessage
	if err = json.Unmarshal(data, &raw); err != nil {
		return "", ResponsePayload{}, fmt.Errorf("malformed response envelope: %w", err)
	}
	if len(raw) != 2 {
		return "", ResponsePayload{}, fmt.Errorf("response envelope has %d elements, want 2", len(raw))
	}
	if err = json.Unmarshal(raw[0], &uuid); err != nil {
		return "", ResponsePayload{}, fmt.Errorf("malformed response uuid: %w", err)
	}
	if err = json.Unmarshal(raw[1], &payload); err != nil {
		return "", ResponsePayload{}, fmt.Errorf("malformed response payload: %w", err)
	}
	return uuid, payload, nil
}
