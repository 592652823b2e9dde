// Package mocks carries hand-rolled test doubles for the ports interfaces.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
)

// MockChargingStation is a mock implementation of the ChargingStation
// interface. State fields drive the default behavior; Func fields override
// individual methods.
type MockChargingStation struct {
	mu sync.Mutex

	HashIDValue string
	InfoValue   domain.StationInfo
	Registered  bool
	Available   bool
	Connectors  map[int]*domain.Connector
	Tags        []string
	RequireAuth bool
	Service     ports.RequestService

	StartFunc    func(ctx context.Context) error
	StopFunc     func(ctx context.Context) error
	DeleteFunc   func(ctx context.Context, deleteConfiguration bool) error
	OpenWSFunc   func() error
	CloseWSFunc  func() error
	StartATGFunc func(connectorIDs ...int) error
	StopATGFunc  func(connectorIDs ...int) error

	StartCalls    int
	StopCalls     int
	DeleteCalls   int
	OpenWSCalls   int
	CloseWSCalls  int
	StartATGCalls [][]int
	StopATGCalls  [][]int
	URLUpdates    []string
}

func NewMockChargingStation(hashID string, connectorCount int) *MockChargingStation {
	connectors := make(map[int]*domain.Connector, connectorCount+1)
	for i := 0; i <= connectorCount; i++ {
		connectors[i] = &domain.Connector{ID: i, Available: true, Status: string(ocpp.StatusAvailable)}
	}
	return &MockChargingStation{
		HashIDValue: hashID,
		InfoValue: domain.StationInfo{
			ID:                       hashID,
			Vendor:                   "VoltSim",
			Model:                    "Mock",
			Connectors:               connectorCount,
			MeterValueSampleInterval: time.Minute,
		},
		Registered: true,
		Available:  true,
		Connectors: connectors,
	}
}

func (m *MockChargingStation) HashID() string { return m.HashIDValue }

func (m *MockChargingStation) Info() domain.StationInfo { return m.InfoValue }

func (m *MockChargingStation) BootNotificationRequest() ocpp.BootNotificationRequest {
	return ocpp.BootNotificationRequest{
		ChargePointVendor: m.InfoValue.Vendor,
		ChargePointModel:  m.InfoValue.Model,
		FirmwareVersion:   m.InfoValue.FirmwareVersion,
	}
}

func (m *MockChargingStation) Start(ctx context.Context) error {
	m.mu.Lock()
	m.StartCalls++
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	return nil
}

func (m *MockChargingStation) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.StopCalls++
	m.mu.Unlock()
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return nil
}

func (m *MockChargingStation) Delete(ctx context.Context, deleteConfiguration bool) error {
	m.mu.Lock()
	m.DeleteCalls++
	m.mu.Unlock()
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, deleteConfiguration)
	}
	return nil
}

func (m *MockChargingStation) OpenWSConnection() error {
	m.mu.Lock()
	m.OpenWSCalls++
	m.mu.Unlock()
	if m.OpenWSFunc != nil {
		return m.OpenWSFunc()
	}
	return nil
}

func (m *MockChargingStation) CloseWSConnection() error {
	m.mu.Lock()
	m.CloseWSCalls++
	m.mu.Unlock()
	if m.CloseWSFunc != nil {
		return m.CloseWSFunc()
	}
	return nil
}

func (m *MockChargingStation) SetSupervisionURL(url string) {
	m.mu.Lock()
	m.URLUpdates = append(m.URLUpdates, url)
	m.InfoValue.SupervisionURL = url
	m.mu.Unlock()
}

func (m *MockChargingStation) StartAutomaticTransactionGenerator(connectorIDs ...int) error {
	m.mu.Lock()
	m.StartATGCalls = append(m.StartATGCalls, append([]int(nil), connectorIDs...))
	m.mu.Unlock()
	if m.StartATGFunc != nil {
		return m.StartATGFunc(connectorIDs...)
	}
	return nil
}

func (m *MockChargingStation) StopAutomaticTransactionGenerator(connectorIDs ...int) error {
	m.mu.Lock()
	m.StopATGCalls = append(m.StopATGCalls, append([]int(nil), connectorIDs...))
	m.mu.Unlock()
	if m.StopATGFunc != nil {
		return m.StopATGFunc(connectorIDs...)
	}
	return nil
}

func (m *MockChargingStation) IsRegistered() bool { return m.Registered }
func (m *MockChargingStation) IsAvailable() bool  { return m.Available }

func (m *MockChargingStation) IsConnectorAvailable(connectorID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Connectors[connectorID]
	return ok && c.Available
}

func (m *MockChargingStation) HasAuthorizedTags() bool { return len(m.Tags) > 0 }

func (m *MockChargingStation) RandomIdTag() string {
	if len(m.Tags) == 0 {
		return ""
	}
	return m.Tags[0]
}

func (m *MockChargingStation) RequireAuthorize() bool { return m.RequireAuth }

func (m *MockChargingStation) Connector(connectorID int) *domain.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connectors[connectorID]
}

func (m *MockChargingStation) ConnectorIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.Connectors))
	for id := range m.Connectors {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *MockChargingStation) ActiveTransactionID(connectorID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Connectors[connectorID]; ok && c.TransactionStarted {
		return c.TransactionID
	}
	return 0
}

func (m *MockChargingStation) EnergyActiveImportRegister(transactionID int, final bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Connectors {
		if c.TransactionID == transactionID {
			return c.EnergyActiveImportRegister
		}
	}
	return 0
}

func (m *MockChargingStation) TransactionIdTag(transactionID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Connectors {
		if c.TransactionID == transactionID {
			return c.TransactionIdTag
		}
	}
	return ""
}

func (m *MockChargingStation) MeterValueSampleInterval() time.Duration {
	return m.InfoValue.MeterValueSampleInterval
}

func (m *MockChargingStation) RequestService() ports.RequestService { return m.Service }

// OpenTransaction marks a connector as charging, the way the request
// service does when StartTransaction is accepted.
func (m *MockChargingStation) OpenTransaction(connectorID, transactionID int, idTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Connectors[connectorID]; ok {
		c.TransactionStarted = true
		c.TransactionID = transactionID
		c.TransactionIdTag = idTag
		c.Status = string(ocpp.StatusCharging)
	}
}

// CloseTransaction clears the charging state of the connector holding the
// transaction.
func (m *MockChargingStation) CloseTransaction(transactionID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Connectors {
		if c.TransactionID == transactionID {
			c.TransactionStarted = false
			c.TransactionID = 0
			c.TransactionIdTag = ""
			c.Status = string(ocpp.StatusAvailable)
		}
	}
}
