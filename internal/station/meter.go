package station

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/ocpp"
	"github.com/voltsim/stationsim/internal/ports"
	"github.com/voltsim/stationsim/internal/random"
)

// startSampler begins periodic meter value reporting for a running
// transaction. Power draw is randomized between half and full template
// power each sample.
func (s *Station) startSampler(connectorID, transactionID int) {
	s.mu.Lock()
	if old, ok := s.samplerStops[connectorID]; ok {
		close(old)
	}
	stop := make(chan struct{})
	s.samplerStops[connectorID] = stop
	s.mu.Unlock()

	interval := s.MeterValueSampleInterval()

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
				s.sampleMeter(connectorID, transactionID, interval)
			}
		}
	}()
}

func (s *Station) stopSampler(connectorID int) {
	s.mu.Lock()
	if stop, ok := s.samplerStops[connectorID]; ok {
		close(stop)
		delete(s.samplerStops, connectorID)
	}
	s.mu.Unlock()
}

func (s *Station) stopAllSamplers() {
	s.mu.Lock()
	for id, stop := range s.samplerStops {
		close(stop)
		delete(s.samplerStops, id)
	}
	s.mu.Unlock()
}

// sampleMeter advances the connector's energy register by one interval of
// simulated consumption and reports it.
func (s *Station) sampleMeter(connectorID, transactionID int, interval time.Duration) {
	maxPowerW := s.Info().MaxPowerKW * 1000
	if maxPowerW <= 0 {
		maxPowerW = 7400 // single phase 32 A fallback
	}
	powerW := maxPowerW/2 + random.Float64()*maxPowerW/2
	incrementWh := int64(powerW * interval.Hours())

	s.mu.Lock()
	conn, ok := s.connectors[connectorID]
	if !ok || conn.TransactionID != transactionID {
		s.mu.Unlock()
		return
	}
	conn.EnergyActiveImportRegister += incrementWh
	registerWh := conn.EnergyActiveImportRegister
	s.mu.Unlock()

	svc := s.RequestService()
	if svc == nil {
		return
	}

	req := ocpp.MeterValuesRequest{
		ConnectorID:   connectorID,
		TransactionID: &transactionID,
		MeterValue: []ocpp.MeterValue{{
			Timestamp: time.Now().UTC(),
			SampledValue: []ocpp.SampledValue{
				{
					Value:     strconv.FormatInt(registerWh, 10),
					Context:   ocpp.ContextSamplePeriodic,
					Measurand: ocpp.MeasurandEnergyActiveImportRegister,
					Unit:      ocpp.UnitWh,
				},
				{
					Value:     strconv.FormatInt(int64(powerW), 10),
					Context:   ocpp.ContextSamplePeriodic,
					Measurand: ocpp.MeasurandPowerActiveImport,
					Unit:      ocpp.UnitW,
				},
			},
		}},
	}
	if _, err := svc.Do(context.Background(), ocpp.ActionMeterValues, req, ports.RequestOptions{}); err != nil {
		s.log.Error("MeterValues failed",
			zap.Int("connector_id", connectorID),
			zap.Int("transaction_id", transactionID),
			zap.Error(err),
		)
	}
}
