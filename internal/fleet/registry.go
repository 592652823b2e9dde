// Package fleet tracks the set of simulated stations a process runs.
package fleet

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/voltsim/stationsim/internal/station"
)

// Registry indexes live stations by hash id. Stations remove themselves
// through the delete callback when a DeleteChargingStations command lands.
type Registry struct {
	mu       sync.RWMutex
	stations map[string]*station.Station
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		stations: make(map[string]*station.Station),
		log:      log,
	}
}

func (r *Registry) Add(st *station.Station) {
	r.mu.Lock()
	r.stations[st.HashID()] = st
	r.mu.Unlock()
	r.log.Info("Station registered",
		zap.String("station_id", st.Info().ID),
		zap.String("hash_id", st.HashID()),
	)
}

func (r *Registry) Remove(hashID string) {
	r.mu.Lock()
	delete(r.stations, hashID)
	r.mu.Unlock()
	r.log.Info("Station removed", zap.String("hash_id", hashID))
}

func (r *Registry) Get(hashID string) *station.Station {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stations[hashID]
}

// List returns the stations ordered by station id for stable output.
func (r *Registry) List() []*station.Station {
	r.mu.RLock()
	out := make([]*station.Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info().ID < out[j].Info().ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stations)
}

// StopAll shuts every station down, used at process exit.
func (r *Registry) StopAll(ctx context.Context) {
	for _, st := range r.List() {
		if err := st.Stop(ctx); err != nil {
			r.log.Warn("Failed to stop station",
				zap.String("station_id", st.Info().ID),
				zap.Error(err),
			)
		}
	}
}
