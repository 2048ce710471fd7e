package canvas

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type SyncBridgeSettings struct {
	// continuous fields send at most the last value per window
	DebounceTimeout time.Duration
}

func DefaultSyncBridgeSettings() *SyncBridgeSettings {
	return &SyncBridgeSettings{
		DebounceTimeout: 80 * time.Millisecond,
	}
}

type SyncBridgeStats struct {
	Sent       uint64
	Suppressed uint64
	Collapsed  uint64
}

// the outbound side of the transport
type Sender interface {
	Send(event string, payload any) bool
}

// per field state machine
//
//	Idle --local edit--> Debouncing --timer, same generation--> send --> Idle
//	any --remote update--> SuppressedOnce --change effect--> Idle
type fieldPhase int

const (
	phaseIdle fieldPhase = iota
	phaseDebouncing
	phaseSuppressedOnce
)

func (self fieldPhase) String() string {
	switch self {
	case phaseDebouncing:
		return "debouncing"
	case phaseSuppressedOnce:
		return "suppressed"
	default:
		return "idle"
	}
}

type fieldState struct {
	phase fieldPhase
	// bumped on every transition. A debounce timer only sends for its own generation,
	// which cancels an in-flight send when a remote update lands mid window.
	generation uint64
	timer      *time.Timer
	// the last local value while debouncing
	value any
}

// Translates local state changes into `update_state` frames and inbound
// `update_state` frames into local state changes, without echoing remote
// values back and with continuous fields debounced per key.
type SyncBridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	sender     Sender
	localState *LocalState
	registry   *KeyRegistry
	settings   *SyncBridgeSettings

	// held across a local set or a remote apply. The suppress marker and the
	// change it targets must not interleave with a local edit of the same field.
	// Change callbacks run under it and must not call back into the bridge.
	applyLock sync.Mutex

	stateLock sync.Mutex
	// keyed by canonical field, so aliases share one bucket
	fields map[Field]*fieldState
	stats  SyncBridgeStats

	removeChangeCallback func()
}

func NewSyncBridgeWithDefaults(ctx context.Context, sender Sender, localState *LocalState, registry *KeyRegistry) *SyncBridge {
	return NewSyncBridge(ctx, sender, localState, registry, DefaultSyncBridgeSettings())
}

func NewSyncBridge(
	ctx context.Context,
	sender Sender,
	localState *LocalState,
	registry *KeyRegistry,
	settings *SyncBridgeSettings,
) *SyncBridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &SyncBridge{
		ctx:        cancelCtx,
		cancel:     cancel,
		sender:     sender,
		localState: localState,
		registry:   registry,
		settings:   settings,
		fields:     map[Field]*fieldState{},
	}
	bridge.removeChangeCallback = localState.AddChangeCallback(bridge.onLocalChange)
	go func() {
		<-cancelCtx.Done()
		bridge.stop()
	}()
	return bridge
}

// A local edit. The local state updates optimistically and the change
// effect decides whether and when the edit goes out.
func (self *SyncBridge) Edit(field Field, value any) error {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	_, err := self.localState.Set(field, value)
	return err
}

func (self *SyncBridge) fieldStateLocked(field Field) *fieldState {
	state, ok := self.fields[field]
	if !ok {
		state = &fieldState{}
		self.fields[field] = state
	}
	return state
}

// the change effect, registered on the local state
func (self *SyncBridge) onLocalChange(field Field, value any) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	field, err := self.registry.Canonical(field)
	if err != nil {
		return
	}

	self.stateLock.Lock()

	state := self.fieldStateLocked(field)
	if state.phase == phaseSuppressedOnce {
		// this change is the remote value we just applied
		state.phase = phaseIdle
		state.generation += 1
		self.stats.Suppressed += 1
		self.stateLock.Unlock()
		glog.V(2).Infof("[b]suppress echo %s\n", field)
		return
	}

	switch self.registry.RateClass(field) {
	case RateDiscrete:
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
		state.phase = phaseIdle
		state.generation += 1
		state.value = nil
		self.stateLock.Unlock()

		self.send(field, value)
	default:
		if state.phase == phaseDebouncing {
			self.stats.Collapsed += 1
		}
		if state.timer != nil {
			state.timer.Stop()
		}
		state.phase = phaseDebouncing
		state.generation += 1
		state.value = value
		generation := state.generation
		state.timer = time.AfterFunc(self.settings.DebounceTimeout, func() {
			self.debounceFire(field, generation)
		})
		self.stateLock.Unlock()
	}
}

func (self *SyncBridge) debounceFire(field Field, generation uint64) {
	self.stateLock.Lock()

	state, ok := self.fields[field]
	if !ok || state.phase != phaseDebouncing || state.generation != generation {
		// replaced by a newer edit or superseded by a remote update
		self.stateLock.Unlock()
		return
	}
	value := state.value
	state.phase = phaseIdle
	state.generation += 1
	state.timer = nil
	state.value = nil
	self.stateLock.Unlock()

	self.send(field, value)
}

func (self *SyncBridge) send(field Field, value any) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if self.sender.Send(protocol.EventUpdateState, field.Update(value)) {
		self.stateLock.Lock()
		self.stats.Sent += 1
		self.stateLock.Unlock()
		glog.V(2).Infof("[b]send %s\n", field)
	}
}

// inbound `update_state`
func (self *SyncBridge) HandleUpdate(update *protocol.UpdateState) {
	field, err := FieldFromUpdate(update)
	if err != nil {
		glog.V(1).Infof("[b]drop update = %s\n", err)
		return
	}
	field, value, err := self.registry.Check(field, update.Value)
	if err != nil {
		glog.V(1).Infof("[b]drop update %s = %s\n", field, err)
		return
	}
	self.applyRemote(field, func() bool {
		changed, _ := self.localState.Set(field, value)
		return changed
	})
}

// inbound `initial_state`. Replaces the local state without echoing any of it.
func (self *SyncBridge) ApplySnapshot(initialState *protocol.InitialState) {
	self.applyRemote(TextField(), func() bool {
		changed, _ := self.localState.Set(TextField(), initialState.Text)
		return changed
	})

	snapshotFields := map[Field]bool{}
	for key, value := range initialState.Params {
		field, value, err := self.registry.Check(ParamField(key), value)
		if err != nil {
			glog.V(1).Infof("[b]drop snapshot param %s = %s\n", key, err)
			continue
		}
		snapshotFields[field] = true
		self.applyRemote(field, func() bool {
			changed, _ := self.localState.Set(field, value)
			return changed
		})
	}

	for key := range self.localState.Params() {
		field := ParamField(key)
		if snapshotFields[field] {
			continue
		}
		self.applyRemote(field, func() bool {
			return self.localState.Delete(field)
		})
	}
}

// `apply` mutates the local state and returns whether it changed
func (self *SyncBridge) applyRemote(field Field, apply func() bool) {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	self.stateLock.Lock()
	state := self.fieldStateLocked(field)
	if state.timer != nil {
		// the remote value wins over a local edit still in its window
		state.timer.Stop()
		state.timer = nil
	}
	state.phase = phaseSuppressedOnce
	state.generation += 1
	state.value = nil
	generation := state.generation
	self.stateLock.Unlock()

	if !apply() {
		// no change effect will run for an unchanged value, clear the marker here
		// so it cannot swallow the next local edit
		self.stateLock.Lock()
		if state.phase == phaseSuppressedOnce && state.generation == generation {
			state.phase = phaseIdle
			state.generation += 1
		}
		self.stateLock.Unlock()
	}
}

// sends every pending debounced value now
func (self *SyncBridge) Flush() {
	type pendingSend struct {
		field Field
		value any
	}
	pending := []pendingSend{}

	self.stateLock.Lock()
	for field, state := range self.fields {
		if state.phase != phaseDebouncing {
			continue
		}
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
		pending = append(pending, pendingSend{field: field, value: state.value})
		state.phase = phaseIdle
		state.generation += 1
		state.value = nil
	}
	self.stateLock.Unlock()

	for _, p := range pending {
		self.send(p.field, p.value)
	}
}

func (self *SyncBridge) phase(field Field) fieldPhase {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.fields[field]; ok {
		return state.phase
	}
	return phaseIdle
}

func (self *SyncBridge) Stats() SyncBridgeStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stats
}

func (self *SyncBridge) stop() {
	self.removeChangeCallback()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, state := range self.fields {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
		state.phase = phaseIdle
		state.generation += 1
		state.value = nil
	}
}

func (self *SyncBridge) Close() {
	self.cancel()
}
