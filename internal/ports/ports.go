// Package ports declares the interfaces the simulator core is written
// against. Implementations live in internal/station, internal/ocpp,
// internal/perf and internal/tags; internal/mocks carries the test doubles.
package ports

import (
	"context"
	"time"

	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/ocpp"
)

// RequestOptions tunes a single OCPP call.
type RequestOptions struct {
	// SkipBufferingOnError drops the frame instead of queueing it for
	// resend when the WebSocket write fails.
	SkipBufferingOnError bool
}

// RequestService serializes a typed OCPP request onto the station's
// WebSocket and returns the matching typed response, or an *ocpp.Error.
type RequestService interface {
	// Do sends any supported action. The returned value is the typed
	// response struct for that action.
	Do(ctx context.Context, action ocpp.Action, payload interface{}, opts RequestOptions) (interface{}, error)

	SendAuthorize(ctx context.Context, connectorID int, idTag string) (*ocpp.AuthorizeResponse, error)
	SendStartTransaction(ctx context.Context, connectorID int, idTag string) (*ocpp.StartTransactionResponse, error)
	SendStopTransaction(ctx context.Context, transactionID int, meterStop int64, idTag string, reason ocpp.Reason) (*ocpp.StopTransactionResponse, error)
}

// ChargingStation is the handle the transaction generator and the command
// dispatcher steer a simulated station through.
type ChargingStation interface {
	HashID() string
	Info() domain.StationInfo
	BootNotificationRequest() ocpp.BootNotificationRequest

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Delete(ctx context.Context, deleteConfiguration bool) error
	OpenWSConnection() error
	CloseWSConnection() error
	SetSupervisionURL(url string)

	StartAutomaticTransactionGenerator(connectorIDs ...int) error
	StopAutomaticTransactionGenerator(connectorIDs ...int) error

	IsRegistered() bool
	IsAvailable() bool
	IsConnectorAvailable(connectorID int) bool

	HasAuthorizedTags() bool
	RandomIdTag() string
	RequireAuthorize() bool

	Connector(connectorID int) *domain.Connector
	ConnectorIDs() []int
	ActiveTransactionID(connectorID int) int
	EnergyActiveImportRegister(transactionID int, final bool) int64
	TransactionIdTag(transactionID int) string
	MeterValueSampleInterval() time.Duration

	// RequestService returns nil until the WebSocket is open and the
	// codec is initialized.
	RequestService() RequestService
}

// MeasureToken brackets one measured operation.
type MeasureToken struct {
	ID    string
	Start time.Time
}

// MeasurementTracker records wall-clock durations of arbitrary named
// operations.
type MeasurementTracker interface {
	BeginMeasure(name string) MeasureToken
	EndMeasure(name string, token MeasureToken)
}

// IdTagProvider supplies the authorized id tags a station template uses.
type IdTagProvider interface {
	IdTags(ctx context.Context) ([]string, error)
}
