// internal/portwatch/watcher.go
package portwatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"instrument-service/internal/events"
	"instrument-service/internal/model"
)

// Enumerator lists the serial port paths currently present.
type Enumerator func() ([]string, error)

// SystemEnumerator lists ports via the OS serial enumeration.
func SystemEnumerator() ([]string, error) {
	return serial.GetPortsList()
}

// Prober asks the instrument on a port who it is.
type Prober interface {
	Probe(ctx context.Context, path string) (model.Identity, error)
}

// PortStatus is one watched port with its identification outcome.
// Identity stays zero until a probe succeeds; Error keeps the last
// probe failure for diagnostics.
type PortStatus struct {
	Info     model.PortInfo `json:"info"`
	Identity model.Identity `json:"identity"`
	Error    string         `json:"error,omitempty"`
}

// Watcher polls the serial port list on a fixed interval, diffs it by
// path against the previous scan, and publishes add/remove events.
// Newly appeared ports are probed for identity in their own goroutine
// so a slow instrument never delays the next scan.
type Watcher struct {
	interval     time.Duration
	probeTimeout time.Duration
	enumerate    Enumerator
	prober       Prober
	excluded     func(path string) bool
	bus          *events.Bus
	logger       *zap.Logger

	mutex sync.RWMutex
	ports map[string]*PortStatus
}

// Options configures a Watcher. Excluded ports stay in the inventory
// but are never probed; attaching an instrument must not race an
// identification open on the same line.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Enumerator   Enumerator
	Prober       Prober
	Excluded     func(path string) bool
}

// NewWatcher creates a port watcher publishing to bus.
func NewWatcher(opts Options, bus *events.Bus, logger *zap.Logger) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Enumerator == nil {
		opts.Enumerator = SystemEnumerator
	}
	return &Watcher{
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		enumerate:    opts.Enumerator,
		prober:       opts.Prober,
		excluded:     opts.Excluded,
		bus:          bus,
		logger:       logger.With(zap.String("component", "portwatch")),
		ports:        make(map[string]*PortStatus),
	}
}

// Run scans until the context is cancelled. The first scan happens
// immediately, then once per interval.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Port watcher started", zap.Duration("interval", w.interval))

	w.scan(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scan(ctx)
		case <-ctx.Done():
			w.logger.Info("Port watcher stopped")
			return
		}
	}
}

// scan diffs the current port list against the known set. Enumeration
// errors are logged and the known set is left untouched, so a
// transient failure never reports every port as removed.
func (w *Watcher) scan(ctx context.Context) {
	paths, err := w.enumerate()
	if err != nil {
		w.logger.Warn("Port enumeration failed", zap.Error(err))
		return
	}

	present := make(map[string]bool, len(paths))
	for _, path := range paths {
		present[path] = true
	}

	now := time.Now()
	var added, removed []string

	w.mutex.Lock()
	for _, path := range paths {
		if _, known := w.ports[path]; !known {
			w.ports[path] = &PortStatus{Info: model.PortInfo{Path: path, ObservedAt: now}}
			added = append(added, path)
		}
	}
	for path := range w.ports {
		if !present[path] {
			delete(w.ports, path)
			removed = append(removed, path)
		}
	}
	w.mutex.Unlock()

	for _, path := range added {
		w.logger.Info("Port appeared", zap.String("path", path))
		w.bus.Publish(model.Event{Topic: model.TopicPortAdded, Address: path})
		if w.prober != nil && !w.isExcluded(path) {
			go w.identify(ctx, path)
		}
	}
	for _, path := range removed {
		w.logger.Info("Port disappeared", zap.String("path", path))
		w.bus.Publish(model.Event{Topic: model.TopicPortRemoved, Address: path})
	}
}

func (w *Watcher) isExcluded(path string) bool {
	return w.excluded != nil && w.excluded(path)
}

// identify probes one port for its identity and records the outcome.
func (w *Watcher) identify(ctx context.Context, path string) {
	if w.isExcluded(path) {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	identity, err := w.prober.Probe(probeCtx, path)

	w.mutex.Lock()
	defer w.mutex.Unlock()

	status, known := w.ports[path]
	if !known {
		// Port vanished while probing.
		return
	}

	if err != nil {
		status.Error = err.Error()
		w.logger.Debug("Port identification failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}

	status.Identity = identity
	status.Error = ""
	w.logger.Info("Port identified",
		zap.String("path", path),
		zap.String("identity", identity.String()),
	)
}

// Snapshot returns the watched ports sorted by path.
func (w *Watcher) Snapshot() []PortStatus {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	out := make([]PortStatus, 0, len(w.ports))
	for _, status := range w.ports {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Path < out[j].Info.Path })
	return out
}
