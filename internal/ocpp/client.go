package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds how long a call waits for its CallResult.
const DefaultCallTimeout = 30 * time.Second

// CallHandler answers an inbound Call from the CSMS (RemoteStartTransaction,
// Reset, ...). Returning an *Error produces a CallError frame.
type CallHandler func(action Action, payload json.RawMessage) (interface{}, *Error)

type callOutcome struct {
	result json.RawMessage
	err    *Error
}

// Client is the OCPP-J request service for one station. It owns all writes
// on the WebSocket, correlates CallResult/CallError frames with pending
// calls, and trips a circuit breaker when the CSMS stops answering.
type Client struct {
	stationID   string
	conn        *websocket.Conn
	log         *zap.Logger
	callTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker

	onCall CallHandler

	// meterFn reads the current energy register of a connector so
	// StartTransaction can report meterStart.
	meterFn func(connectorID int) int64

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan callOutcome
	// buffer holds frames whose write failed and that should be retried
	// after the next reconnect.
	buffer [][]byte

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithCallTimeout overrides the per-call response timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithCallHandler installs the handler for inbound CSMS calls.
func WithCallHandler(h CallHandler) ClientOption {
	return func(c *Client) { c.onCall = h }
}

// WithMeterReader installs the energy-register reader used to fill
// meterStart on StartTransaction.
func WithMeterReader(fn func(connectorID int) int64) ClientOption {
	return func(c *Client) { c.meterFn = fn }
}

// WithBufferedFrames seeds the retry buffer with frames a previous
// connection failed to write, so FlushBuffered can replay them.
func WithBufferedFrames(frames [][]byte) ClientOption {
	return func(c *Client) { c.buffer = frames }
}

// NewClient wraps an established WebSocket connection. Call Start to begin
// reading frames.
func NewClient(stationID string, conn *websocket.Conn, log *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		stationID:   stationID,
		conn:        conn,
		log:         log,
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]chan callOutcome),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ocpp-" + stationID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("OCPP circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Start launches the read pump.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.readPump()
}

// Close stops the read pump and fails every pending call.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.conn.Close()
	c.wg.Wait()
	c.failPending(NewError(ErrCodeChannelClosed, "", "connection closed"))
}

func (c *Client) failPending(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- callOutcome{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) readPump() {
	defer c.wg.Done()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Error("WebSocket read error", zap.String("station_id", c.stationID), zap.Error(err))
				}
			}
			c.failPending(NewError(ErrCodeNetworkError, "", err.Error()))
			return
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 3 {
		c.log.Error("Invalid OCPP frame", zap.String("station_id", c.stationID), zap.ByteString("frame", data))
		return
	}

	var msgType int
	if err := json.Unmarshal(raw[0], &msgType); err != nil {
		return
	}
	var msgID string
	if err := json.Unmarshal(raw[1], &msgID); err != nil {
		return
	}

	switch msgType {
	case CallMessage:
		if len(raw) < 4 {
			return
		}
		var action Action
		json.Unmarshal(raw[2], &action)
		c.handleInboundCall(msgID, action, raw[3])

	case CallResultMessage:
		c.resolve(msgID, callOutcome{result: raw[2]})

	case CallErrorMessage:
		ocppErr := &Error{Code: ErrCodeGenericError, Details: map[string]interface{}{}}
		var code string
		json.Unmarshal(raw[2], &code)
		ocppErr.Code = ErrorCode(code)
		if len(raw) > 3 {
			json.Unmarshal(raw[3], &ocppErr.Message)
		}
		if len(raw) > 4 {
			json.Unmarshal(raw[4], &ocppErr.Details)
		}
		c.resolve(msgID, callOutcome{err: ocppErr})
	}
}

func (c *Client) resolve(msgID string, out callOutcome) {
	c.mu.Lock()
	ch, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn("Response for unknown call id", zap.String("station_id", c.stationID), zap.String("call_id", msgID))
		return
	}
	ch <- out
}

func (c *Client) handleInboundCall(msgID string, action Action, payload json.RawMessage) {
	if c.onCall == nil {
		c.writeFrame([]interface{}{CallErrorMessage, msgID, string(ErrCodeNotImplemented),
			fmt.Sprintf("action %s not handled by simulator", action), map[string]string{}}, false)
		return
	}
	result, callErr := c.onCall(action, payload)
	if callErr != nil {
		c.writeFrame([]interface{}{CallErrorMessage, msgID, string(callErr.Code), callErr.Message, callErr.Details}, false)
		return
	}
	c.writeFrame([]interface{}{CallResultMessage, msgID, result}, false)
}

func (c *Client) writeFrame(frame []interface{}, buffer bool) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return NewError(ErrCodeInternalError, "", err.Error())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if buffer {
			c.buffer = append(c.buffer, data)
		}
		return NewError(ErrCodeNetworkError, "", err.Error())
	}
	return nil
}

// TakeBuffer drains the frames still waiting for a resend. The station
// calls it when tearing a connection down and hands the frames to the
// next connection's client.
func (c *Client) TakeBuffer() [][]byte {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buffered := c.buffer
	c.buffer = nil
	return buffered
}

// FlushBuffered resends frames whose original write failed. The station
// calls it after reopening the connection.
func (c *Client) FlushBuffered() {
	c.writeMu.Lock()
	buffered := c.buffer
	c.buffer = nil
	c.writeMu.Unlock()

	for _, data := range buffered {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			c.log.Warn("Failed to flush buffered frame", zap.String("station_id", c.stationID), zap.Error(err))
			return
		}
	}
}

type callOptions struct {
	skipBufferingOnError bool
}

// Do sends one Call and returns the typed response for the action.
func (c *Client) Do(ctx context.Context, action Action, payload interface{}, skipBufferingOnError bool) (interface{}, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, action, payload, callOptions{skipBufferingOnError: skipBufferingOnError})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(ErrCodeCircuitBreakerOpen, action, err.Error())
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, action Action, payload interface{}, opts callOptions) (interface{}, error) {
	callID := uuid.NewString()
	outcomeChan := make(chan callOutcome, 1)

	c.mu.Lock()
	c.pending[callID] = outcomeChan
	c.mu.Unlock()

	if err := c.writeFrame([]interface{}{CallMessage, callID, string(action), payload}, !opts.skipBufferingOnError); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		var ocppErr *Error
		if errors.As(err, &ocppErr) {
			ocppErr.Action = action
			return nil, ocppErr
		}
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case out := <-outcomeChan:
		if out.err != nil {
			out.err.Action = action
			return nil, out.err
		}
		return decodeResponse(action, out.result)
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, NewError(ErrCodeRequestTimeout, action,
			fmt.Sprintf("no response within %s", c.callTimeout))
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, NewError(ErrCodeGenericError, action, ctx.Err().Error())
	}
}

// decodeResponse unmarshals a CallResult payload into the typed response
// struct for the action.
func decodeResponse(action Action, raw json.RawMessage) (interface{}, error) {
	var resp interface{}
	switch action {
	case ActionAuthorize:
		resp = &AuthorizeResponse{}
	case ActionBootNotification:
		resp = &BootNotificationResponse{}
	case ActionDataTransfer:
		resp = &DataTransferResponse{}
	case ActionDiagnosticsStatusNotification:
		resp = &DiagnosticsStatusNotificationResponse{}
	case ActionFirmwareStatusNotification:
		resp = &FirmwareStatusNotificationResponse{}
	case ActionHeartbeat:
		resp = &HeartbeatResponse{}
	case ActionMeterValues:
		resp = &MeterValuesResponse{}
	case ActionStartTransaction:
		resp = &StartTransactionResponse{}
	case ActionStatusNotification:
		resp = &StatusNotificationResponse{}
	case ActionStopTransaction:
		resp = &StopTransactionResponse{}
	default:
		return nil, NewError(ErrCodeNotSupported, action, "unsupported action")
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, NewError(ErrCodeFormationViolation, action, err.Error())
	}
	return resp, nil
}

// --- typed convenience calls ---

// SendAuthorize requests authorization for idTag. The connector id is only
// used for logging; OCPP 1.6 Authorize has no connector field.
func (c *Client) SendAuthorize(ctx context.Context, connectorID int, idTag string) (*AuthorizeResponse, error) {
	c.log.Debug("Sending Authorize",
		zap.String("station_id", c.stationID),
		zap.Int("connector_id", connectorID),
		zap.String("id_tag", idTag),
	)
	resp, err := c.Do(ctx, ActionAuthorize, AuthorizeRequest{IdTag: idTag}, false)
	if err != nil {
		return nil, err
	}
	return resp.(*AuthorizeResponse), nil
}

// SendStartTransaction opens a transaction on connectorID. idTag may be
// empty when the station has no authorized tags.
func (c *Client) SendStartTransaction(ctx context.Context, connectorID int, idTag string) (*StartTransactionResponse, error) {
	var meterStart int64
	if c.meterFn != nil {
		meterStart = c.meterFn(connectorID)
	}
	req := StartTransactionRequest{
		ConnectorID: connectorID,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   time.Now().UTC(),
	}
	resp, err := c.Do(ctx, ActionStartTransaction, req, false)
	if err != nil {
		return nil, err
	}
	return resp.(*StartTransactionResponse), nil
}

// SendStopTransaction closes a transaction.
func (c *Client) SendStopTransaction(ctx context.Context, transactionID int, meterStop int64, idTag string, reason Reason) (*StopTransactionResponse, error) {
	req := StopTransactionRequest{
		TransactionID: transactionID,
		MeterStop:     meterStop,
		Timestamp:     time.Now().UTC(),
		IdTag:         idTag,
	}
	if reason != ReasonNone {
		req.Reason = reason
	}
	resp, err := c.Do(ctx, ActionStopTransaction, req, false)
	if err != nil {
		return nil, err
	}
	return resp.(*StopTransactionResponse), nil
}
