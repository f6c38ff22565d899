// internal/storage/recorder.go
package storage

import (
	"context"

	"go.uber.org/zap"

	"instrument-service/internal/events"
	"instrument-service/internal/model"
)

// Recorder consumes the bench event stream and maintains one open
// session per connected device. Samples arriving without an open
// session are dropped; durability starts at connect, not before.
type Recorder struct {
	store  *Store
	bus    *events.Bus
	logger *zap.Logger

	sessions map[string]int64
}

// NewRecorder creates a recorder appending to store.
func NewRecorder(store *Store, bus *events.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:    store,
		bus:      bus,
		logger:   logger.With(zap.String("component", "recorder")),
		sessions: make(map[string]int64),
	}
}

// Run consumes events until the context is cancelled. Single goroutine
// owns the sessions map, so no locking is needed.
func (r *Recorder) Run(ctx context.Context) {
	connected := r.bus.Subscribe(model.TopicDeviceConnected)
	disconnected := r.bus.Subscribe(model.TopicDeviceDisconnected)
	samples := r.bus.Subscribe(model.TopicSampleRecorded)

	for {
		select {
		case event := <-connected:
			r.openSession(ctx, event.Address)
		case event := <-disconnected:
			r.closeSession(ctx, event.Address)
		case event := <-samples:
			r.append(ctx, event)
		case <-ctx.Done():
			for address := range r.sessions {
				r.closeSession(context.Background(), address)
			}
			return
		}
	}
}

func (r *Recorder) openSession(ctx context.Context, address string) {
	if _, open := r.sessions[address]; open {
		return
	}
	id, err := r.store.BeginSession(ctx, address)
	if err != nil {
		r.logger.Error("Failed to open session", zap.String("address", address), zap.Error(err))
		return
	}
	r.sessions[address] = id
	r.logger.Info("Session opened", zap.String("address", address), zap.Int64("session_id", id))
}

func (r *Recorder) closeSession(ctx context.Context, address string) {
	id, open := r.sessions[address]
	if !open {
		return
	}
	delete(r.sessions, address)
	if err := r.store.EndSession(ctx, id); err != nil {
		r.logger.Error("Failed to close session", zap.Int64("session_id", id), zap.Error(err))
		return
	}
	r.logger.Info("Session closed", zap.String("address", address), zap.Int64("session_id", id))
}

func (r *Recorder) append(ctx context.Context, event model.Event) {
	if event.Sample == nil {
		return
	}
	id, open := r.sessions[event.Sample.DeviceID]
	if !open {
		return
	}
	if err := r.store.Append(ctx, id, *event.Sample); err != nil {
		r.logger.Warn("Failed to append sample", zap.Int64("session_id", id), zap.Error(err))
	}
}
