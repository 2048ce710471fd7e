package canvas

import (
	"reflect"
	"sync"

	"github.com/golang/glog"
)

// `value` is nil when a param is removed
type ChangeFunction func(field Field, value any)

// The client's local cache of the shared state.
// Render collaborators read it and observe changes. It is not the system of
// record, every local edit is a request that round trips through the coordinator.
type LocalState struct {
	registry *KeyRegistry

	stateLock sync.Mutex
	text      string
	params    map[string]any

	changeCallbacks CallbackList[ChangeFunction]
}

func NewLocalState(registry *KeyRegistry) *LocalState {
	return &LocalState{
		registry: registry,
		params:   map[string]any{},
	}
}

// observers run synchronously after the change, outside the state lock
func (self *LocalState) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.add(changeCallback)
}

// Sets the field and notifies observers if the value changed.
// The field is canonicalized and the value normalized first.
func (self *LocalState) Set(field Field, value any) (changed bool, returnErr error) {
	field, value, returnErr = self.registry.Check(field, value)
	if returnErr != nil {
		return
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch field.Kind {
		case FieldText:
			text := value.(string)
			if self.text != text {
				self.text = text
				changed = true
			}
		default:
			current, ok := self.params[field.Key]
			if !ok || !reflect.DeepEqual(current, value) {
				self.params[field.Key] = value
				changed = true
			}
		}
	}()

	if changed {
		glog.V(2).Infof("[ls]set %s\n", field)
		self.notifyChange(field, value)
	}
	return
}

// removes a param. Text cannot be removed.
func (self *LocalState) Delete(field Field) (changed bool) {
	field, err := self.registry.Canonical(field)
	if err != nil || field.Kind == FieldText {
		return false
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.params[field.Key]; ok {
			delete(self.params, field.Key)
			changed = true
		}
	}()

	if changed {
		self.notifyChange(field, nil)
	}
	return
}

func (self *LocalState) Get(field Field) (any, bool) {
	field, err := self.registry.Canonical(field)
	if err != nil {
		return nil, false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch field.Kind {
	case FieldText:
		return self.text, true
	default:
		value, ok := self.params[field.Key]
		if !ok {
			return nil, false
		}
		return cloneValue(value), true
	}
}

func (self *LocalState) Text() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.text
}

func (self *LocalState) Params() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	params := make(map[string]any, len(self.params))
	for key, value := range self.params {
		params[key] = cloneValue(value)
	}
	return params
}

func (self *LocalState) notifyChange(field Field, value any) {
	for _, changeCallback := range self.changeCallbacks.get() {
		HandleError(func() {
			changeCallback(field, cloneValue(value))
		})
	}
}
