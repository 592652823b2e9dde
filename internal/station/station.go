// Package station implements the simulated charging station: WebSocket
// lifecycle against the CSMS, the OCPP boot handshake, heartbeats,
// connector state, and the hooks the transaction generator and command
// dispatcher steer it through.
package station

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/atg"
	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
	"github.com/voltsim/stationsim/internal/random"
)

const (
	// DefaultMeterValuesInterval paces meter value sampling when the
	// template does not configure one.
	DefaultMeterValuesInterval = 60 * time.Second

	// DefaultHeartbeatInterval applies until the CSMS dictates its own
	// interval in the BootNotification response.
	DefaultHeartbeatInterval = 300 * time.Second
)

// Station is one simulated charging station.
type Station struct {
	hashID string
	log    *zap.Logger
	perf   ports.MeasurementTracker

	bootRequest ocpp.BootNotificationRequest

	// onDelete lets the owning registry drop the station.
	onDelete func(hashID string, deleteConfiguration bool)

	mu                sync.RWMutex
	info              domain.StationInfo
	connectors        map[int]*domain.Connector
	started           bool
	registered        bool
	available         bool
	heartbeatInterval time.Duration
	client            *ocpp.Client
	service           ports.RequestService
	// bufferedFrames carries frames a dead connection failed to write
	// until the next OpenWSConnection replays them.
	bufferedFrames [][]byte

	generator *atg.Generator

	samplerStops  map[int]chan struct{}
	heartbeatStop chan struct{}
	wg            sync.WaitGroup
}

// Option customizes a Station.
type Option func(*Station)

// WithDeleteCallback registers the registry hook invoked by Delete.
func WithDeleteCallback(fn func(hashID string, deleteConfiguration bool)) Option {
	return func(s *Station) { s.onDelete = fn }
}

// New builds a station from an expanded template. info.ID must already be
// unique per station; the hash id is derived from it and the supervision
// URL.
func New(info domain.StationInfo, perf ports.MeasurementTracker, log *zap.Logger, opts ...Option) *Station {
	sum := sha256.Sum256([]byte(info.SupervisionURL + "|" + info.ID))
	hashID := hex.EncodeToString(sum[:])[:16]

	s := &Station{
		hashID:            hashID,
		log:               log.With(zap.String("station_id", info.ID), zap.String("hash_id", hashID)),
		perf:              perf,
		info:              info,
		connectors:        make(map[int]*domain.Connector, info.Connectors+1),
		available:         true,
		heartbeatInterval: DefaultHeartbeatInterval,
		samplerStops:      make(map[int]chan struct{}),
		bootRequest: ocpp.BootNotificationRequest{
			ChargePointVendor:       info.Vendor,
			ChargePointModel:        info.Model,
			ChargePointSerialNumber: info.SerialNumber,
			FirmwareVersion:         info.FirmwareVersion,
		},
	}
	// Connector 0 is the station itself.
	for id := 0; id <= info.Connectors; id++ {
		s.connectors[id] = &domain.Connector{
			ID:        id,
			Available: true,
			Status:    string(ocpp.StatusAvailable),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.generator = atg.New(s, perf, info.AutomaticTransactionGenerator, log)
	return s
}

func (s *Station) HashID() string { return s.hashID }

func (s *Station) Info() domain.StationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Station) BootNotificationRequest() ocpp.BootNotificationRequest {
	return s.bootRequest
}

// Generator exposes the transaction generator for the status API.
func (s *Station) Generator() *atg.Generator { return s.generator }

// Start opens the WebSocket, performs the boot handshake, begins
// heartbeating, reports connector status, and fires up the transaction
// generator when the template enables it.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn("Station is already started")
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.RequestService() == nil {
		if err := s.OpenWSConnection(); err != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return err
		}
	}

	if err := s.bootNotification(ctx); err != nil {
		s.log.Error("BootNotification failed", zap.Error(err))
	}

	s.startHeartbeat()

	for _, id := range s.ConnectorIDs() {
		s.sendStatusNotification(ctx, id, ocpp.StatusAvailable)
	}

	if s.Info().AutomaticTransactionGenerator.Enable {
		if err := s.StartAutomaticTransactionGenerator(); err != nil {
			s.log.Error("Failed to start transaction generator", zap.Error(err))
		}
	}

	s.log.Info("Station started")
	return nil
}

// Stop halts the generator, the heartbeat, and the connection. It does not
// wait for in-flight generator loops; they observe their stop flag.
func (s *Station) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.log.Warn("Station is already stopped")
		return nil
	}
	s.started = false
	s.mu.Unlock()

	if err := s.StopAutomaticTransactionGenerator(); err != nil {
		s.log.Error("Failed to stop transaction generator", zap.Error(err))
	}
	s.stopHeartbeat()
	s.stopAllSamplers()
	s.wg.Wait()

	if err := s.CloseWSConnection(); err != nil {
		s.log.Error("Failed to close WebSocket connection", zap.Error(err))
	}

	s.log.Info("Station stopped")
	return nil
}

// Delete stops the station and removes it from its registry.
func (s *Station) Delete(ctx context.Context, deleteConfiguration bool) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if s.onDelete != nil {
		s.onDelete(s.hashID, deleteConfiguration)
	}
	s.log.Info("Station deleted", zap.Bool("delete_configuration", deleteConfiguration))
	return nil
}

// OpenWSConnection dials the CSMS and initializes the request service.
func (s *Station) OpenWSConnection() error {
	info := s.Info()
	url := strings.TrimRight(info.SupervisionURL, "/") + "/" + info.ID

	dialer := websocket.Dialer{
		Subprotocols:     []string{"ocpp1.6"},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to CSMS at %s: %w", url, err)
	}

	s.mu.Lock()
	pending := s.bufferedFrames
	s.bufferedFrames = nil
	s.mu.Unlock()

	client := ocpp.NewClient(info.ID, conn, s.log,
		ocpp.WithCallHandler(s.handleCSMSCall),
		ocpp.WithMeterReader(func(connectorID int) int64 {
			if c := s.Connector(connectorID); c != nil {
				return c.EnergyActiveImportRegister
			}
			return 0
		}),
		ocpp.WithBufferedFrames(pending),
	)
	client.Start()
	client.FlushBuffered()

	s.mu.Lock()
	s.client = client
	s.service = &requestService{station: s, client: client}
	s.mu.Unlock()

	s.log.Info("Connected to CSMS", zap.String("url", url))
	return nil
}

// CloseWSConnection tears down the request service and the socket.
func (s *Station) CloseWSConnection() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.service = nil
	s.registered = false
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	client.Close()
	if frames := client.TakeBuffer(); len(frames) > 0 {
		s.mu.Lock()
		s.bufferedFrames = append(s.bufferedFrames, frames...)
		s.mu.Unlock()
		s.log.Info("Carrying unsent frames to the next connection",
			zap.Int("frames", len(frames)))
	}
	s.log.Info("Disconnected from CSMS")
	return nil
}

// SetSupervisionUrl changes the CSMS endpoint; it takes effect on the next
// OpenWSConnection.
func (s *Station) SetSupervisionURL(url string) {
	s.mu.Lock()
	s.info.SupervisionURL = url
	s.mu.Unlock()
	s.log.Info("Supervision URL updated", zap.String("url", url))
}

func (s *Station) StartAutomaticTransactionGenerator(connectorIDs ...int) error {
	return s.generator.Start(connectorIDs...)
}

func (s *Station) StopAutomaticTransactionGenerator(connectorIDs ...int) error {
	return s.generator.Stop(connectorIDs...)
}

func (s *Station) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

func (s *Station) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.available {
		return false
	}
	c, ok := s.connectors[0]
	return !ok || c.Available
}

func (s *Station) IsConnectorAvailable(connectorID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[connectorID]
	return ok && c.Available
}

func (s *Station) HasAuthorizedTags() bool {
	return len(s.Info().AuthorizedTags) > 0
}

func (s *Station) RandomIdTag() string {
	tags := s.Info().AuthorizedTags
	if len(tags) == 0 {
		return ""
	}
	return tags[random.Int63n(int64(len(tags)))]
}

func (s *Station) RequireAuthorize() bool {
	return s.Info().AutomaticTransactionGenerator.RequireAuthorize
}

// Connector returns a copy-safe pointer into the connector table. Positive
// ids address sockets; 0 is the station itself.
func (s *Station) Connector(connectorID int) *domain.Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectors[connectorID]
}

// ConnectorIDs lists the positive connector ids in order.
func (s *Station) ConnectorIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.connectors))
	for id := range s.connectors {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// ActiveTransactionID returns the running transaction id on a connector,
// or 0.
func (s *Station) ActiveTransactionID(connectorID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[connectorID]
	if !ok || !c.TransactionStarted {
		return 0
	}
	return c.TransactionID
}

// EnergyActiveImportRegister reads the cumulative Wh register of the
// connector running transactionID. The final flag marks the read that
// becomes meterStop.
func (s *Station) EnergyActiveImportRegister(transactionID int, final bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connectors {
		if c.TransactionID == transactionID {
			return c.EnergyActiveImportRegister
		}
	}
	return 0
}

// TransactionIdTag returns the id tag that opened transactionID.
func (s *Station) TransactionIdTag(transactionID int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connectors {
		if c.TransactionID == transactionID {
			return c.TransactionIdTag
		}
	}
	return ""
}

func (s *Station) MeterValueSampleInterval() time.Duration {
	if d := s.Info().MeterValueSampleInterval; d > 0 {
		return d
	}
	return DefaultMeterValuesInterval
}

// RequestService returns nil until the WebSocket is open.
func (s *Station) RequestService() ports.RequestService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// --- boot, heartbeat, status ---

func (s *Station) bootNotification(ctx context.Context) error {
	svc := s.RequestService()
	if svc == nil {
		return ocpp.NewError(ocpp.ErrCodeServiceNotStarted, ocpp.ActionBootNotification, "connection is not open")
	}
	_, err := svc.Do(ctx, ocpp.ActionBootNotification, s.bootRequest,
		ports.RequestOptions{SkipBufferingOnError: true})
	return err
}

// handleBootResponse records registration state; it is invoked by the
// request service on every BootNotification response.
func (s *Station) handleBootResponse(resp *ocpp.BootNotificationResponse) {
	s.mu.Lock()
	s.registered = resp.Status == ocpp.RegistrationAccepted
	if resp.Interval > 0 {
		s.heartbeatInterval = time.Duration(resp.Interval) * time.Second
	}
	s.mu.Unlock()

	s.log.Info("BootNotification answered",
		zap.String("status", string(resp.Status)),
		zap.Int("interval", resp.Interval),
	)
}

func (s *Station) startHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	interval := s.heartbeatInterval
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				svc := s.RequestService()
				if svc == nil {
					continue
				}
				if _, err := svc.Do(context.Background(), ocpp.ActionHeartbeat,
					ocpp.HeartbeatRequest{}, ports.RequestOptions{}); err != nil {
					s.log.Error("Heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Station) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()
}

func (s *Station) sendStatusNotification(ctx context.Context, connectorID int, status ocpp.ChargePointStatus) {
	svc := s.RequestService()
	if svc == nil {
		return
	}
	now := time.Now().UTC()
	req := ocpp.StatusNotificationRequest{
		ConnectorID: connectorID,
		ErrorCode:   ocpp.ErrorNoError,
		Status:      status,
		Timestamp:   &now,
	}
	if _, err := svc.Do(ctx, ocpp.ActionStatusNotification, req, ports.RequestOptions{}); err != nil {
		s.log.Error("StatusNotification failed",
			zap.Int("connector_id", connectorID),
			zap.Error(err),
		)
	}
}
