package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	recorderBuffer      = 256
	recorderSaveTimeout = 5 * time.Second
)

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, snap RunSnapshot) error
}

// Recorder writes every finished run to a RunStore from a background goroutine.
type Recorder struct {
	store  RunStore
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRecorder subscribes to terminal run events on bus and starts persisting them.
func NewRecorder(bus *EventBus, store RunStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  store,
		logger: logger.With("component", "run-recorder"),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	events := bus.SubscribeChan(ctx, recorderBuffer, func(ev Event) bool {
		return ev.Type.IsTerminal()
	})
	go r.loop(events)
	return r
}

func (r *Recorder) loop(events <-chan Event) {
	defer close(r.done)
	for ev := range events {
		snap, ok := ev.Data.(RunSnapshot)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recorderSaveTimeout)
		if err := r.store.SaveRun(ctx, snap); err != nil {
			r.logger.Error("failed to save run", "run_id", snap.ID, "status", snap.Status, "error", err)
		}
		cancel()
	}
}

// Close stops the subscription and waits until buffered runs are saved or
// ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(r.cancel)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
