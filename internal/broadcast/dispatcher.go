package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
)

// Dispatcher consumes request envelopes off the channel on behalf of one
// station. Envelopes that fail validation are dropped without a response;
// an envelope that reaches its handler gets exactly one response, even if
// the handler panics.
type Dispatcher struct {
	station  ports.ChargingStation
	channel  Channel
	log      *zap.Logger
	handlers map[ProcedureName]commandHandler

	mu  sync.Mutex
	sub Subscription
}

// NewDispatcher wires a dispatcher to a station and a channel. Call Start
// to begin consuming.
func NewDispatcher(station ports.ChargingStation, channel Channel, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		station: station,
		channel: channel,
		log:     log.With(zap.String("hash_id", station.HashID())),
	}
	d.handlers = d.buildHandlers()
	return d
}

// Start subscribes the dispatcher to the channel.
func (d *Dispatcher) Start() error {
	sub, err := d.channel.Subscribe(d.onMessage)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// Stop detaches the dispatcher from the channel, so a deleted station no
// longer answers broadcasts. The channel itself stays open.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// HandleMessage validates one raw envelope and, when it is an accepted
// request, executes it and publishes the response. Exposed for tests;
// channel traffic arrives here via Start.
func (d *Dispatcher) HandleMessage(data []byte) {
	d.onMessage(data)
}

func (d *Dispatcher) onMessage(data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		d.log.Error("Malformed worker channel message", zap.Error(err))
		return
	}

	// Responses share the channel; two-element tuples are someone's
	// response envelope, never a request.
	if len(raw) == 2 {
		return
	}
	if len(raw) != 3 {
		d.log.Error("Worker channel message has unexpected shape",
			zap.Int("elements", len(raw)))
		return
	}

	var uuid string
	if err := json.Unmarshal(raw[0], &uuid); err != nil {
		d.log.Error("Malformed request uuid", zap.Error(err))
		return
	}
	var command ProcedureName
	if err := json.Unmarshal(raw[1], &command); err != nil {
		d.log.Error("Malformed request command", zap.String("uuid", uuid), zap.Error(err))
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw[2], &payload); err != nil {
		d.log.Error("Malformed request payload",
			zap.String("uuid", uuid),
			zap.String("command", string(command)),
			zap.Error(err),
		)
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	if !d.targetsThisStation(payload) {
		return
	}
	if _, ok := payload["hashId"]; ok {
		d.log.Error("Dropping request with deprecated 'hashId' field, use 'hashIds'",
			zap.String("uuid", uuid),
			zap.String("command", string(command)),
		)
		return
	}

	stripRoutingFields(command, payload)
	d.execute(uuid, command, payload)
}

// targetsThisStation applies the hashIds filter: a missing or empty list
// broadcasts to everyone.
func (d *Dispatcher) targetsThisStation(payload map[string]interface{}) bool {
	raw, ok := payload["hashIds"].([]interface{})
	if !ok || len(raw) == 0 {
		return true
	}
	for _, item := range raw {
		if id, ok := item.(string); ok && id == d.station.HashID() {
			return true
		}
	}
	return false
}

// stripRoutingFields removes fields meant for the dispatcher, not the
// handler. connectorIds survives only for the generator commands, which
// consume it themselves.
func stripRoutingFields(command ProcedureName, payload map[string]interface{}) {
	delete(payload, "hashIds")
	delete(payload, "hashId")
	if command != ProcedureStartATG && command != ProcedureStopATG {
		delete(payload, "connectorIds")
	}
}

// execute runs the handler and publishes the response from a deferred
// block, so a panicking handler still answers exactly once.
func (d *Dispatcher) execute(uuid string, command ProcedureName, payload map[string]interface{}) {
	response := ResponsePayload{
		HashID: d.station.HashID(),
		Status: ResponseFailure,
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Command handler panicked",
				zap.String("uuid", uuid),
				zap.String("command", string(command)),
				zap.Any("panic", r),
			)
			response = d.thrownFailure(command, payload,
				fmt.Errorf("%v", r), string(debug.Stack()))
		}
		d.publishResponse(uuid, response)
	}()

	handler, ok := d.handlers[command]
	if !ok {
		response = d.thrownFailure(command, payload,
			fmt.Errorf("unknown worker channel command: %s", command), "")
		return
	}

	result, err := handler(context.Background(), payload)
	if err != nil {
		response = d.thrownFailure(command, payload, err, "")
		return
	}
	if IsEmptyResponse(result) {
		response = ResponsePayload{HashID: d.station.HashID(), Status: ResponseSuccess}
		return
	}

	status := Classify(command, result)
	response = ResponsePayload{HashID: d.station.HashID(), Status: status}
	if status == ResponseFailure {
		response.Command = command
		response.RequestPayload = payload
		response.CommandResponse = result
	}
}

func (d *Dispatcher) thrownFailure(command ProcedureName, payload map[string]interface{}, err error, stack string) ResponsePayload {
	response := ResponsePayload{
		HashID:         d.station.HashID(),
		Status:         ResponseFailure,
		Command:        command,
		RequestPayload: payload,
		ErrorMessage:   err.Error(),
		ErrorStack:     stack,
	}
	var ocppErr *ocpp.Error
	if errors.As(err, &ocppErr) {
		response.ErrorMessage = ocppErr.Message
		response.ErrorDetails = ocppErr.Details
	}
	return response
}

func (d *Dispatcher) publishResponse(uuid string, payload ResponsePayload) {
	data, err := EncodeResponse(uuid, payload)
	if err != nil {
		d.log.Error("Failed to encode response envelope",
			zap.String("uuid", uuid), zap.Error(err))
		return
	}
	if err := d.channel.Publish(data); err != nil {
		d.log.Error("Failed to publish response envelope",
			zap.String("uuid", uuid), zap.Error(err))
	}
}
