package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
)

// MockRequestService is a mock implementation of the RequestService
// interface. By default every request is accepted; Func fields override
// individual sends.
type MockRequestService struct {
	mu sync.Mutex

	DoFunc               func(ctx context.Context, action ocpp.Action, payload interface{}, opts ports.RequestOptions) (interface{}, error)
	AuthorizeFunc        func(ctx context.Context, connectorID int, idTag string) (*ocpp.AuthorizeResponse, error)
	StartTransactionFunc func(ctx context.Context, connectorID int, idTag string) (*ocpp.StartTransactionResponse, error)
	StopTransactionFunc  func(ctx context.Context, transactionID int, meterStop int64, idTag string, reason ocpp.Reason) (*ocpp.StopTransactionResponse, error)

	// Station, when set, mirrors accepted start/stop responses into the
	// mock station's connector table the way the real service does.
	Station *MockChargingStation

	DoCalls        []ocpp.Action
	AuthorizeCalls []string
	StartCalls     []int
	StopCalls      []int

	nextTransactionID int
}

func NewMockRequestService(station *MockChargingStation) *MockRequestService {
	return &MockRequestService{Station: station}
}

func (m *MockRequestService) Do(ctx context.Context, action ocpp.Action, payload interface{}, opts ports.RequestOptions) (interface{}, error) {
	m.mu.Lock()
	m.DoCalls = append(m.DoCalls, action)
	m.mu.Unlock()
	if m.DoFunc != nil {
		return m.DoFunc(ctx, action, payload, opts)
	}
	switch action {
	case ocpp.ActionHeartbeat:
		return &ocpp.HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
	case ocpp.ActionBootNotification:
		return &ocpp.BootNotificationResponse{
			Status:      ocpp.RegistrationAccepted,
			CurrentTime: time.Now().UTC(),
			Interval:    300,
		}, nil
	case ocpp.ActionAuthorize:
		return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted}}, nil
	case ocpp.ActionDataTransfer:
		return &ocpp.DataTransferResponse{Status: ocpp.DataTransferAccepted}, nil
	case ocpp.ActionStatusNotification:
		return &ocpp.StatusNotificationResponse{}, nil
	case ocpp.ActionMeterValues:
		return &ocpp.MeterValuesResponse{}, nil
	case ocpp.ActionDiagnosticsStatusNotification:
		return &ocpp.DiagnosticsStatusNotificationResponse{}, nil
	case ocpp.ActionFirmwareStatusNotification:
		return &ocpp.FirmwareStatusNotificationResponse{}, nil
	default:
		return nil, ocpp.NewError(ocpp.ErrCodeNotSupported, action, "action not supported by mock")
	}
}

func (m *MockRequestService) SendAuthorize(ctx context.Context, connectorID int, idTag string) (*ocpp.AuthorizeResponse, error) {
	m.mu.Lock()
	m.AuthorizeCalls = append(m.AuthorizeCalls, idTag)
	m.mu.Unlock()
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, connectorID, idTag)
	}
	return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted}}, nil
}

func (m *MockRequestService) SendStartTransaction(ctx context.Context, connectorID int, idTag string) (*ocpp.StartTransactionResponse, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, connectorID)
	m.nextTransactionID++
	txID := m.nextTransactionID
	m.mu.Unlock()
	if m.StartTransactionFunc != nil {
		return m.StartTransactionFunc(ctx, connectorID, idTag)
	}
	if m.Station != nil {
		m.Station.OpenTransaction(connectorID, txID, idTag)
	}
	return &ocpp.StartTransactionResponse{
		TransactionID: txID,
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted},
	}, nil
}

func (m *MockRequestService) SendStopTransaction(ctx context.Context, transactionID int, meterStop int64, idTag string, reason ocpp.Reason) (*ocpp.StopTransactionResponse, error) {
	m.mu.Lock()
	m.StopCalls = append(m.StopCalls, transactionID)
	m.mu.Unlock()
	if m.StopTransactionFunc != nil {
		return m.StopTransactionFunc(ctx, transactionID, meterStop, idTag, reason)
	}
	if m.Station != nil {
		m.Station.CloseTransaction(transactionID)
	}
	return &ocpp.StopTransactionResponse{
		IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted},
	}, nil
}

// StartCount returns how many StartTransaction sends were recorded.
func (m *MockRequestService) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StartCalls)
}

// StopCount returns how many StopTransaction sends were recorded.
func (m *MockRequestService) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StopCalls)
}

// MockMeasurementTracker is a mock implementation of the
// MeasurementTracker interface recording begin/end pairs.
type MockMeasurementTracker struct {
	mu     sync.Mutex
	Begun  []string
	Ended  []string
}

func (m *MockMeasurementTracker) BeginMeasure(name string) ports.MeasureToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Begun = append(m.Begun, name)
	return ports.MeasureToken{ID: name, Start: time.Now()}
}

func (m *MockMeasurementTracker) EndMeasure(name string, token ports.MeasureToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ended = append(m.Ended, name)
}
