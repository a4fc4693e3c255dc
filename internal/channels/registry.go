package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
)

// Registry maps channel names to records. At most one record exists per
// name. Transport calls are made outside the registry lock.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	records map[string]*Record
	byTable map[string]map[string]struct{} // table -> names
}

// NewRegistry creates an empty registry. logger and metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		logger:  log.OrDefault(logger),
		metrics: metrics,
		records: make(map[string]*Record),
		byTable: make(map[string]map[string]struct{}),
	}
}

// Set stores rec under its name. A previous record with the same name is
// torn down first.
func (r *Registry) Set(rec *Record) {
	r.mu.Lock()
	old := r.detachLocked(rec.Name())
	r.records[rec.Name()] = rec
	r.indexLocked(rec)
	r.mu.Unlock()

	if old == nil {
		r.metrics.AddActive(context.Background(), 1)
	}
	r.unsubscribe(old)
}

// Remove tears down the record for name. It reports whether one existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	old := r.detachLocked(name)
	r.mu.Unlock()

	if old == nil {
		return false
	}
	r.metrics.AddActive(context.Background(), -1)
	r.unsubscribe(old)
	return true
}

// RemoveAll tears down every record and returns how many were removed.
func (r *Registry) RemoveAll() int {
	removed := 0
	for _, name := range r.Names() {
		if r.Remove(name) {
			removed++
		}
	}
	return removed
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// List returns info for every record, sorted by name.
func (r *Registry) List() []ChannelInfo {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	infos, handles := r.snapshotLocked(recs)
	r.mu.Unlock()
	return withHandleStates(infos, handles)
}

// ListByTable returns info for the records subscribed to table.
func (r *Registry) ListByTable(table string) []ChannelInfo {
	r.mu.Lock()
	var recs []*Record
	for name := range r.byTable[table] {
		recs = append(recs, r.records[name])
	}
	infos, handles := r.snapshotLocked(recs)
	r.mu.Unlock()
	return withHandleStates(infos, handles)
}

func (r *Registry) snapshotLocked(recs []*Record) ([]ChannelInfo, []realtime.Handle) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name() < recs[j].Name() })
	infos := make([]ChannelInfo, len(recs))
	handles := make([]realtime.Handle, len(recs))
	for i, rec := range recs {
		infos[i] = rec.info()
		handles[i] = rec.Handle
	}
	return infos, handles
}

// withHandleStates asks each handle for its state outside the lock.
func withHandleStates(infos []ChannelInfo, handles []realtime.Handle) []ChannelInfo {
	for i, h := range handles {
		if h != nil {
			infos[i].HandleState = handleState(h)
		}
	}
	return infos
}

// update runs fn on rec if it is still registered at generation gen.
func (r *Registry) update(rec *Record, gen uint64, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[rec.Name()] != rec || rec.generation != gen {
		return false
	}
	fn(rec)
	return true
}

// current reports whether rec is still registered at generation gen.
func (r *Registry) current(rec *Record, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[rec.Name()] == rec && rec.generation == gen
}

// removeIfCurrent removes rec only if it has not been replaced or retried
// since generation gen was observed.
func (r *Registry) removeIfCurrent(rec *Record, gen uint64) bool {
	r.mu.Lock()
	if r.records[rec.Name()] != rec || rec.generation != gen {
		r.mu.Unlock()
		return false
	}
	old := r.detachLocked(rec.Name())
	r.mu.Unlock()

	r.metrics.AddActive(context.Background(), -1)
	r.unsubscribe(old)
	return true
}

// detachLocked drops the record for name from the maps and closes it.
// The caller must unsubscribe the returned record's handle after unlocking.
func (r *Registry) detachLocked(name string) *Record {
	rec, ok := r.records[name]
	if !ok {
		return nil
	}
	delete(r.records, name)
	if names := r.byTable[rec.Descriptor.Table]; names != nil {
		delete(names, name)
		if len(names) == 0 {
			delete(r.byTable, rec.Descriptor.Table)
		}
	}
	rec.stopRetry()
	rec.State, _ = transition(rec.State, signalClose)
	rec.generation++
	return rec
}

func (r *Registry) indexLocked(rec *Record) {
	names := r.byTable[rec.Descriptor.Table]
	if names == nil {
		names = make(map[string]struct{})
		r.byTable[rec.Descriptor.Table] = names
	}
	names[rec.Name()] = struct{}{}
}

// unsubscribe releases the transport handle of a detached record.
func (r *Registry) unsubscribe(rec *Record) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	h := rec.Handle
	rec.Handle = nil
	r.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Unsubscribe(); err != nil {
		r.logger.Debug("channels: unsubscribe failed", "channel", rec.Name(), "error", err.Error())
	}
}

// handleState reads a handle's state, treating a panicking handle as errored.
func handleState(h realtime.Handle) (state realtime.ChannelState) {
	defer func() {
		if recover() != nil {
			state = realtime.StateErrored
		}
	}()
	return h.State()
}
