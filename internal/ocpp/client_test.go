package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// dialTestServer runs an in-process CSMS endpoint and returns a client-side
// connection to it. serverFn owns the server side of the socket.
func dialTestServer(t *testing.T, serverFn func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverFn(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// answerCalls replies to every inbound Call with the frame respond builds.
func answerCalls(respond func(callID string, action Action, payload json.RawMessage) []interface{}) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
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
			var callID string
			var action Action
			json.Unmarshal(raw[1], &callID)
			json.Unmarshal(raw[2], &action)
			reply, err := json.Marshal(respond(callID, action, raw[3]))
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}
}

func TestClientCallResult(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	conn := dialTestServer(t, answerCalls(func(callID string, action Action, _ json.RawMessage) []interface{} {
		if action != ActionHeartbeat {
			t.Errorf("action = %s, want Heartbeat", action)
		}
		return []interface{}{CallResultMessage, callID, HeartbeatResponse{CurrentTime: now}}
	}))

	c := NewClient("CS-1", conn, zap.NewNop())
	c.Start()
	defer c.Close()

	resp, err := c.Do(context.Background(), ActionHeartbeat, HeartbeatRequest{}, false)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	hb, ok := resp.(*HeartbeatResponse)
	if !ok {
		t.Fatalf("response type = %T", resp)
	}
	if !hb.CurrentTime.Equal(now) {
		t.Errorf("currentTime = %v, want %v", hb.CurrentTime, now)
	}
}

func TestClientCallError(t *testing.T) {
	conn := dialTestServer(t, answerCalls(func(callID string, _ Action, _ json.RawMessage) []interface{} {
		return []interface{}{CallErrorMessage, callID, "InternalError", "boom", map[string]string{"hint": "x"}}
	}))

	c := NewClient("CS-1", conn, zap.NewNop())
	c.Start()
	defer c.Close()

	_, err := c.Do(context.Background(), ActionAuthorize, AuthorizeRequest{IdTag: "T"}, false)
	if err == nil {
		t.Fatal("expected CallError to surface as error")
	}
	var ocppErr *Error
	if !errors.As(err, &ocppErr) {
		t.Fatalf("error type = %T", err)
	}
	if ocppErr.Code != ErrCodeInternalError {
		t.Errorf("code = %s, want InternalError", ocppErr.Code)
	}
	if ocppErr.Action != ActionAuthorize {
		t.Errorf("action = %s, want Authorize", ocppErr.Action)
	}
	if ocppErr.Message != "boom" {
		t.Errorf("message = %q, want boom", ocppErr.Message)
	}
}

func TestClientCallTimeout(t *testing.T) {
	conn := dialTestServer(t, func(conn *websocket.Conn) {
		// Swallow calls, never answer.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient("CS-1", conn, zap.NewNop(), WithCallTimeout(50*time.Millisecond))
	c.Start()
	defer c.Close()

	_, err := c.Do(context.Background(), ActionHeartbeat, HeartbeatRequest{}, false)
	var ocppErr *Error
	if !errors.As(err, &ocppErr) || ocppErr.Code != ErrCodeRequestTimeout {
		t.Errorf("error = %v, want RequestTimeout", err)
	}
}

func TestClientStartTransactionFillsMeterStart(t *testing.T) {
	var gotMeterStart int64
	conn := dialTestServer(t, answerCalls(func(callID string, _ Action, payload json.RawMessage) []interface{} {
		var req StartTransactionRequest
		json.Unmarshal(payload, &req)
		gotMeterStart = req.MeterStart
		return []interface{}{CallResultMessage, callID, StartTransactionResponse{
			TransactionID: 7,
			IdTagInfo:     IdTagInfo{Status: AuthorizationAccepted},
		}}
	}))

	c := NewClient("CS-1", conn, zap.NewNop(),
		WithMeterReader(func(connectorID int) int64 { return 777 }),
	)
	c.Start()
	defer c.Close()

	resp, err := c.SendStartTransaction(context.Background(), 1, "TAG")
	if err != nil {
		t.Fatalf("SendStartTransaction error: %v", err)
	}
	if resp.TransactionID != 7 {
		t.Errorf("transactionId = %d, want 7", resp.TransactionID)
	}
	if gotMeterStart != 777 {
		t.Errorf("meterStart = %d, want 777", gotMeterStart)
	}
}

func TestClientAnswersInboundCall(t *testing.T) {
	type result struct {
		frame []json.RawMessage
	}
	results := make(chan result, 1)

	conn := dialTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		frame, _ := json.Marshal([]interface{}{CallMessage, "srv-1", "Reset", map[string]string{"type": "Soft"}})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var raw []json.RawMessage
		json.Unmarshal(data, &raw)
		results <- result{frame: raw}
	})

	handled := make(chan Action, 1)
	c := NewClient("CS-1", conn, zap.NewNop(),
		WithCallHandler(func(action Action, payload json.RawMessage) (interface{}, *Error) {
			handled <- action
			return map[string]string{"status": "Accepted"}, nil
		}),
	)
	c.Start()
	defer c.Close()

	select {
	case action := <-handled:
		if action != "Reset" {
			t.Errorf("handled action = %s, want Reset", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound call never reached the handler")
	}

	select {
	case res := <-results:
		if len(res.frame) < 3 {
			t.Fatalf("reply frame has %d elements", len(res.frame))
		}
		var msgType int
		var msgID string
		json.Unmarshal(res.frame[0], &msgType)
		json.Unmarshal(res.frame[1], &msgID)
		if msgType != CallResultMessage || msgID != "srv-1" {
			t.Errorf("reply = type %d id %s, want CallResult srv-1", msgType, msgID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no CallResult reached the server")
	}
}

func TestClientCloseFailsPending(t *testing.T) {
	conn := dialTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient("CS-1", conn, zap.NewNop(), WithCallTimeout(5*time.Second))
	c.Start()

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), ActionHeartbeat, HeartbeatRequest{}, false)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		var ocppErr *Error
		if !errors.As(err, &ocppErr) {
			t.Fatalf("error type = %T (%v)", err, err)
		}
		if ocppErr.Code != ErrCodeChannelClosed && ocppErr.Code != ErrCodeNetworkError {
			t.Errorf("code = %s, want ChannelClosed or NetworkError", ocppErr.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed by Close")
	}
}

func TestClientBuffersFailedWrites(t *testing.T) {
	conn := dialTestServer(t, func(conn *websocket.Conn) {})
	c := NewClient("CS-1", conn, zap.NewNop())
	conn.Close()

	if _, err := c.Do(context.Background(), ActionHeartbeat, HeartbeatRequest{}, false); err == nil {
		t.Fatal("write on a dead connection should fail")
	}

	frames := c.TakeBuffer()
	if len(frames) != 1 {
		t.Fatalf("buffered frames = %d, want 1", len(frames))
	}
	if !strings.Contains(string(frames[0]), string(ActionHeartbeat)) {
		t.Errorf("buffered frame = %s, want a Heartbeat call", frames[0])
	}
	if len(c.TakeBuffer()) != 0 {
		t.Error("TakeBuffer did not drain the buffer")
	}
}

func TestClientSkipBufferingOnError(t *testing.T) {
	conn := dialTestServer(t, func(conn *websocket.Conn) {})
	c := NewClient("CS-1", conn, zap.NewNop())
	conn.Close()

	if _, err := c.Do(context.Background(), ActionHeartbeat, HeartbeatRequest{}, true); err == nil {
		t.Fatal("write on a dead connection should fail")
	}
	if frames := c.TakeBuffer(); len(frames) != 0 {
		t.Errorf("buffered frames = %d, want 0 with skipBufferingOnError", len(frames))
	}
}

func TestClientReplaysBufferedFramesOnReconnect(t *testing.T) {
	// The first connection dies before the frame gets out.
	conn1 := dialTestServer(t, func(conn *websocket.Conn) {})
	c1 := NewClient("CS-1", conn1, zap.NewNop())
	conn1.Close()
	c1.Do(context.Background(), ActionMeterValues, MeterValuesRequest{ConnectorID: 1}, false)

	received := make(chan []byte, 1)
	conn2 := dialTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	})
	c2 := NewClient("CS-1", conn2, zap.NewNop(), WithBufferedFrames(c1.TakeBuffer()))
	c2.FlushBuffered()

	select {
	case data := <-received:
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil || len(raw) != 4 {
			t.Fatalf("replayed frame is not a Call: %s", data)
		}
		var action Action
		json.Unmarshal(raw[2], &action)
		if action != ActionMeterValues {
			t.Errorf("replayed action = %s, want MeterValues", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered frame never replayed")
	}
}

func TestDecodeResponseUnsupportedAction(t *testing.T) {
	_, err := decodeResponse(Action("Fictional"), json.RawMessage(`{}`))
	var ocppErr *Error
	if !errors.As(err, &ocppErr) || ocppErr.Code != ErrCodeNotSupported {
		t.Errorf("error = %v, want NotSupported", err)
	}
}
