package station

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/domain"
	"github.com/voltsim/stationsim/internal/mocks"
	"github.com/voltsim/stationsim/internal/ocpp"
)

func testInfo(url string) domain.StationInfo {
	return domain.StationInfo{
		ID:                       "CS-TEST-00001",
		Vendor:                   "VoltSim",
		Model:                    "Simulated-1.6",
		SupervisionURL:           url,
		MaxPowerKW:               22,
		Connectors:               2,
		MeterValueSampleInterval: time.Hour,
	}
}

// fakeCSMS answers every charge-point Call the station sends: boot is
// accepted, transactions get sequential ids, notifications get empty
// bodies.
func fakeCSMS(t *testing.T) (url string, calls *atomic.Int64) {
	t.Helper()
	calls = &atomic.Int64{}
	var nextTx atomic.Int64
	upgrader := websocket.Upgrader{Subprotocols: []string{"ocpp1.6"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var raw []json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 4 {
				continue
			}
			calls.Add(1)
			var callID string
			var action ocpp.Action
			json.Unmarshal(raw[1], &callID)
			json.Unmarshal(raw[2], &action)

			var body interface{}
			switch action {
			case ocpp.ActionBootNotification:
				body = ocpp.BootNotificationResponse{
					Status:      ocpp.RegistrationAccepted,
					CurrentTime: time.Now().UTC(),
					Interval:    300,
				}
			case ocpp.ActionHeartbeat:
				body = ocpp.HeartbeatResponse{CurrentTime: time.Now().UTC()}
			case ocpp.ActionStartTransaction:
				body = ocpp.StartTransactionResponse{
					TransactionID: int(nextTx.Add(1)),
					IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted},
				}
			case ocpp.ActionStopTransaction:
				body = ocpp.StopTransactionResponse{}
			default:
				body = map[string]interface{}{}
			}
			reply, _ := json.Marshal([]interface{}{ocpp.CallResultMessage, callID, body})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), calls
}

func TestNewStationDerivesStableHashID(t *testing.T) {
	info := testInfo("ws://csms.example/ocpp")
	a := New(info, &mocks.MockMeasurementTracker{}, zap.NewNop())
	b := New(info, &mocks.MockMeasurementTracker{}, zap.NewNop())

	if a.HashID() != b.HashID() {
		t.Errorf("hash ids differ for identical templates: %s vs %s", a.HashID(), b.HashID())
	}
	if len(a.HashID()) != 16 {
		t.Errorf("hash id length = %d, want 16", len(a.HashID()))
	}

	info.SupervisionURL = "ws://other.example/ocpp"
	c := New(info, &mocks.MockMeasurementTracker{}, zap.NewNop())
	if c.HashID() == a.HashID() {
		t.Error("hash id did not change with supervision URL")
	}
}

func TestStationConnectorTable(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())

	ids := s.ConnectorIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("connector ids = %v, want [1 2]", ids)
	}
	if s.Connector(0) == nil {
		t.Error("connector 0 (the station itself) missing")
	}
	if !s.IsConnectorAvailable(1) || !s.IsConnectorAvailable(2) {
		t.Error("fresh connectors not available")
	}
	if s.IsConnectorAvailable(99) {
		t.Error("unknown connector reported available")
	}
	if !s.IsAvailable() {
		t.Error("fresh station not available")
	}
}

func TestTransactionBookkeeping(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())

	s.openTransaction(1, 42, "TAG-1")
	if got := s.ActiveTransactionID(1); got != 42 {
		t.Errorf("active transaction = %d, want 42", got)
	}
	if got := s.TransactionIdTag(42); got != "TAG-1" {
		t.Errorf("transaction idTag = %q, want TAG-1", got)
	}
	if got := s.Connector(1).Status; got != string(ocpp.StatusCharging) {
		t.Errorf("connector status = %s, want Charging", got)
	}

	s.Connector(1).EnergyActiveImportRegister = 900
	if got := s.EnergyActiveImportRegister(42, true); got != 900 {
		t.Errorf("register = %d, want 900", got)
	}

	s.closeTransaction(42)
	if got := s.ActiveTransactionID(1); got != 0 {
		t.Errorf("active transaction after close = %d, want 0", got)
	}
	// The register is cumulative and survives the transaction.
	if got := s.Connector(1).EnergyActiveImportRegister; got != 900 {
		t.Errorf("register after close = %d, want 900", got)
	}
	if got := s.Connector(1).Status; got != string(ocpp.StatusAvailable) {
		t.Errorf("connector status after close = %s, want Available", got)
	}
}

func TestHandleBootResponse(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())

	s.handleBootResponse(&ocpp.BootNotificationResponse{Status: ocpp.RegistrationAccepted, Interval: 60})
	if !s.IsRegistered() {
		t.Error("accepted boot did not register the station")
	}
	s.mu.RLock()
	interval := s.heartbeatInterval
	s.mu.RUnlock()
	if interval != time.Minute {
		t.Errorf("heartbeat interval = %v, want 1m", interval)
	}

	s.handleBootResponse(&ocpp.BootNotificationResponse{Status: ocpp.RegistrationRejected})
	if s.IsRegistered() {
		t.Error("rejected boot left the station registered")
	}
}

func TestChangeAvailability(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())

	resp, callErr := s.handleCSMSCall("ChangeAvailability",
		json.RawMessage(`{"connectorId":0,"type":"Inoperative"}`))
	if callErr != nil {
		t.Fatalf("ChangeAvailability error: %v", callErr)
	}
	if status := resp.(map[string]string)["status"]; status != "Accepted" {
		t.Errorf("status = %s, want Accepted", status)
	}
	if s.IsAvailable() {
		t.Error("station still available after Inoperative on connector 0")
	}
	if s.IsConnectorAvailable(1) {
		t.Error("connector 1 still available after station-wide Inoperative")
	}

	resp, _ = s.handleCSMSCall("ChangeAvailability",
		json.RawMessage(`{"connectorId":99,"type":"Operative"}`))
	if status := resp.(map[string]string)["status"]; status != "Rejected" {
		t.Errorf("unknown connector status = %s, want Rejected", status)
	}
}

func TestRemoteStartRejectedWhenBusy(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())
	s.openTransaction(1, 7, "TAG")

	resp, callErr := s.handleCSMSCall("RemoteStartTransaction",
		json.RawMessage(`{"idTag":"TAG-2","connectorId":1}`))
	if callErr != nil {
		t.Fatalf("RemoteStartTransaction error: %v", callErr)
	}
	if status := resp.(map[string]string)["status"]; status != "Rejected" {
		t.Errorf("status = %s, want Rejected on busy connector", status)
	}
}

func TestUnknownCSMSActionNotImplemented(t *testing.T) {
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop())

	_, callErr := s.handleCSMSCall("GetCompositeSchedule", json.RawMessage(`{}`))
	if callErr == nil {
		t.Fatal("expected CallError for unsupported action")
	}
	if callErr.Code != ocpp.ErrCodeNotImplemented {
		t.Errorf("code = %s, want NotImplemented", callErr.Code)
	}
}

func TestStationLifecycleAgainstFakeCSMS(t *testing.T) {
	url, calls := fakeCSMS(t)
	info := testInfo(url)

	s := New(info, &mocks.MockMeasurementTracker{}, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if !s.IsRegistered() {
		t.Error("station not registered after accepted boot")
	}
	if s.RequestService() == nil {
		t.Error("request service missing after Start")
	}
	// Boot plus one StatusNotification per connector.
	if got := calls.Load(); got < 3 {
		t.Errorf("CSMS saw %d calls, want at least 3", got)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if s.RequestService() != nil {
		t.Error("request service still set after Stop")
	}
	if s.IsRegistered() {
		t.Error("station still registered after Stop")
	}
}

func TestStationTransactionAgainstFakeCSMS(t *testing.T) {
	url, _ := fakeCSMS(t)
	s := New(testInfo(url), &mocks.MockMeasurementTracker{}, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop(context.Background())

	svc := s.RequestService()
	resp, err := svc.SendStartTransaction(context.Background(), 1, "TAG-X")
	if err != nil {
		t.Fatalf("SendStartTransaction error: %v", err)
	}
	if resp.IdTagInfo.Status != ocpp.AuthorizationAccepted {
		t.Fatalf("start status = %s", resp.IdTagInfo.Status)
	}
	if got := s.ActiveTransactionID(1); got != resp.TransactionID {
		t.Errorf("connector table transaction = %d, want %d", got, resp.TransactionID)
	}

	if _, err := svc.SendStopTransaction(context.Background(), resp.TransactionID, 100, "TAG-X", ocpp.ReasonNone); err != nil {
		t.Fatalf("SendStopTransaction error: %v", err)
	}
	if got := s.ActiveTransactionID(1); got != 0 {
		t.Errorf("transaction still active after stop: %d", got)
	}
}

func TestOpenWSConnectionReplaysCarriedFrames(t *testing.T) {
	url, calls := fakeCSMS(t)
	s := New(testInfo(url), &mocks.MockMeasurementTracker{}, zap.NewNop())

	// A frame a previous connection failed to write.
	frame, _ := json.Marshal([]interface{}{ocpp.CallMessage, "carry-1", ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}})
	s.mu.Lock()
	s.bufferedFrames = [][]byte{frame}
	s.mu.Unlock()

	if err := s.OpenWSConnection(); err != nil {
		t.Fatalf("OpenWSConnection error: %v", err)
	}
	defer s.CloseWSConnection()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("carried frame never reached the CSMS")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.mu.RLock()
	remaining := len(s.bufferedFrames)
	s.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("bufferedFrames = %d after replay, want 0", remaining)
	}
}

func TestDeleteInvokesCallback(t *testing.T) {
	var deletedHash string
	var deletedConfig bool
	s := New(testInfo("ws://csms.example"), &mocks.MockMeasurementTracker{}, zap.NewNop(),
		WithDeleteCallback(func(hashID string, deleteConfiguration bool) {
			deletedHash = hashID
			deletedConfig = deleteConfiguration
		}),
	)

	if err := s.Delete(context.Background(), true); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if deletedHash != s.HashID() {
		t.Errorf("callback hash = %s, want %s", deletedHash, s.HashID())
	}
	if !deletedConfig {
		t.Error("deleteConfiguration flag not passed through")
	}
}
