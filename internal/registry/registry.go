// Package registry keeps the list of system MIDI ports visible through the
// bound transport and patches it as devices come and go.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// ChangeFunc is called after the port lists changed. It runs on the
// goroutine that applied the change, never on a driver thread.
type ChangeFunc func(ev contracts.HotplugEvent)

// Registry is the port registry of one transport.
type Registry struct {
	transport contracts.Transport
	log       contracts.Logger

	mu      sync.RWMutex
	inputs  []contracts.PortInfo
	outputs []contracts.PortInfo
	scanned bool

	subMu sync.Mutex
	subs  map[uuid.UUID]ChangeFunc
	order []uuid.UUID
}

// New creates an empty registry. Call Enumerate to fill it.
func New(t contracts.Transport, log contracts.Logger) *Registry {
	return &Registry{
		transport: t,
		log:       log,
		subs:      make(map[uuid.UUID]ChangeFunc),
	}
}

// Enumerate asks the transport for its ports and replaces both lists. On
// failure the previous lists are kept.
//
// Zero ports is a valid answer, except on ALSA where the announce port always
// exists: an empty ALSA listing means the sequencer could not be read.
func (r *Registry) Enumerate() (inputs, outputs []contracts.PortInfo, err error) {
	in, out, err := r.transport.Enumerate()
	if err != nil {
		return nil, nil, r.enumerationError(err)
	}
	if r.transport.API() == contracts.APIALSA && len(in) == 0 && len(out) == 0 {
		return nil, nil, r.enumerationError(contracts.ErrNoPorts)
	}

	r.mu.Lock()
	r.inputs = clone(in)
	r.outputs = clone(out)
	r.scanned = true
	r.mu.Unlock()

	r.log.Debug("ports enumerated",
		r.log.Field().String("api", r.transport.API().String()),
		r.log.Field().Int("inputs", len(in)),
		r.log.Field().Int("outputs", len(out)))
	return clone(in), clone(out), nil
}

func (r *Registry) enumerationError(err error) error {
	var enumErr *contracts.EnumerationError
	if errors.As(err, &enumErr) {
		return err
	}
	return &contracts.EnumerationError{API: r.transport.API(), Err: err}
}

// Scan re-enumerates and reports the difference with the previous lists as
// hotplug events, which are also delivered to subscribers.
func (r *Registry) Scan() ([]contracts.HotplugEvent, error) {
	r.mu.RLock()
	oldIn, oldOut, had := r.inputs, r.outputs, r.scanned
	r.mu.RUnlock()

	in, out, err := r.Enumerate()
	if err != nil {
		return nil, err
	}
	if !had {
		return nil, nil
	}

	events := diff(oldIn, in)
	events = append(events, diff(oldOut, out)...)
	for _, ev := range events {
		r.notify(ev)
	}
	return events, nil
}

func diff(old, cur []contracts.PortInfo) []contracts.HotplugEvent {
	seen := make(map[string]bool, len(cur))
	for _, p := range cur {
		seen[p.Key()] = true
	}
	was := make(map[string]bool, len(old))
	var events []contracts.HotplugEvent
	for _, p := range old {
		was[p.Key()] = true
		if !seen[p.Key()] {
			events = append(events, contracts.HotplugEvent{Kind: contracts.PortRemoved, Port: p})
		}
	}
	for _, p := range cur {
		if !was[p.Key()] {
			events = append(events, contracts.HotplugEvent{Kind: contracts.PortAdded, Port: p})
		}
	}
	return events
}

// Apply patches the lists with a single hotplug event. It reports whether
// anything changed; subscribers only hear about real changes.
func (r *Registry) Apply(ev contracts.HotplugEvent) bool {
	r.mu.Lock()
	list := &r.inputs
	if ev.Port.Direction == contracts.Output {
		list = &r.outputs
	}
	idx := indexOf(*list, ev.Port.Key())
	changed := false
	switch ev.Kind {
	case contracts.PortAdded:
		if idx < 0 {
			*list = append(clone(*list), ev.Port)
			changed = true
		}
	case contracts.PortRemoved:
		if idx >= 0 {
			next := make([]contracts.PortInfo, 0, len(*list)-1)
			next = append(next, (*list)[:idx]...)
			*list = append(next, (*list)[idx+1:]...)
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.notify(ev)
	}
	return changed
}

func indexOf(list []contracts.PortInfo, key string) int {
	for i, p := range list {
		if p.Key() == key {
			return i
		}
	}
	return -1
}

// Subscribe registers fn for change notifications.
func (r *Registry) Subscribe(fn ChangeFunc) uuid.UUID {
	id := uuid.New()
	r.subMu.Lock()
	r.subs[id] = fn
	r.order = append(r.order, id)
	r.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return
	}
	delete(r.subs, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) notify(ev contracts.HotplugEvent) {
	r.log.Info("port "+ev.Kind.String(),
		r.log.Field().String("port", ev.Port.ConnectName()),
		r.log.Field().String("direction", ev.Port.Direction.String()))

	r.subMu.Lock()
	fns := make([]ChangeFunc, 0, len(r.order))
	for _, id := range r.order {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Inputs returns a copy of the system input ports.
func (r *Registry) Inputs() []contracts.PortInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.inputs)
}

// Outputs returns a copy of the system output ports.
func (r *Registry) Outputs() []contracts.PortInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.outputs)
}

// Find looks a port up by its Key.
func (r *Registry) Find(key string) (contracts.PortInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range [][]contracts.PortInfo{r.inputs, r.outputs} {
		if i := indexOf(list, key); i >= 0 {
			return list[i], true
		}
	}
	return contracts.PortInfo{}, false
}

// Lookup finds the first port of the given direction whose connect name,
// display name or port name equals name.
func (r *Registry) Lookup(name string, dir contracts.Direction) (contracts.PortInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.inputs
	if dir == contracts.Output {
		list = r.outputs
	}
	for _, p := range list {
		if p.ConnectName() == name || p.DisplayName() == name || p.PortName == name {
			return p, true
		}
	}
	return contracts.PortInfo{}, false
}

// Watch keeps the registry current until ctx is done. Transports with native
// notifications are followed through their hotplug channel; the others are
// re-scanned every interval. A non-positive interval disables polling.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	var notes <-chan contracts.HotplugEvent
	if n, ok := r.transport.(contracts.HotplugNotifier); ok {
		notes = n.Hotplug()
	}

	var tick <-chan time.Time
	if notes == nil && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if notes == nil && tick == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notes:
			if !ok {
				return
			}
			r.Apply(ev)
		case <-tick:
			if _, err := r.Scan(); err != nil {
				r.log.Warn("port scan failed", r.log.Field().Error("error", err))
			}
		}
	}
}

func clone(ports []contracts.PortInfo) []contracts.PortInfo {
	if ports == nil {
		return nil
	}
	out := make([]contracts.PortInfo, len(ports))
	copy(out, ports)
	return out
}
