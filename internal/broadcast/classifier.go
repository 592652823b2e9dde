package broadcast

import (
	"encoding/json"
	"time"
)

// Classify derives the envelope verdict from a command's OCPP response.
// The response may be a typed struct from internal/ocpp or a decoded map;
// both are normalized to a map first. Commands without a classification
// rule fail closed.
func Classify(command ProcedureName, response interface{}) ResponseStatus {
	body, ok := toMap(response)
	if !ok {
		return ResponseFailure
	}

	switch command {
	case ProcedureStartTransaction, ProcedureStopTransaction, ProcedureAuthorize:
		return verdict(idTagInfoStatus(body) == "Accepted")
	case ProcedureBootNotification, ProcedureDataTransfer:
		status, _ := body["status"].(string)
		return verdict(status == "Accepted")
	case ProcedureHeartbeat:
		return verdict(hasCurrentTime(body))
	case ProcedureStatusNotification, ProcedureMeterValues,
		ProcedureDiagnosticsStatus, ProcedureFirmwareStatus:
		return verdict(len(body) == 0)
	default:
		return ResponseFailure
	}
}

// IsEmptyResponse reports whether a handler produced no semantic response
// body, which the dispatcher short-circuits to a bare success envelope.
func IsEmptyResponse(response interface{}) bool {
	if response == nil {
		return true
	}
	data, err := json.Marshal(response)
	if err != nil {
		return false
	}
	s := string(data)
	return s == "null" || s == "{}"
}

func verdict(ok bool) ResponseStatus {
	if ok {
		return ResponseSuccess
	}
	return ResponseFailure
}

func toMap(response interface{}) (map[string]interface{}, bool) {
	if m, ok := response.(map[string]interface{}); ok {
		return m, true
	}
	data, err := json.Marshal(response)
	if err != nil {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, true
}

func idTagInfoStatus(body map[string]interface{}) string {
	info, ok := body["idTagInfo"].(map[string]interface{})
	if !ok {
		return ""
	}
	status, _ := info["status"].(string)
	return status
}

func hasCurrentTime(body map[string]interface{}) bool {
	raw, ok := body["currentTime"].(string)
	if !ok || raw == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return !t.IsZero()
}
