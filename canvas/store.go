package canvas

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

// The canonical shared state, owned by the coordinator.
// Holds exactly one current value per field and no history.
// All mutation goes through `Apply` and `Restore`, each a single assignment
// under the state lock, so the store is never seen partially mutated.
type Store struct {
	stateLock sync.Mutex
	text      string
	// values are in normal form and never shared outside the store
	params map[string]any
}

type StoreStats struct {
	TextLength int
	Params     int
}

func NewStore() *Store {
	return &Store{
		params: map[string]any{},
	}
}

// a deep copy of the current state
func (self *Store) Snapshot() *protocol.InitialState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	params := make(map[string]any, len(self.params))
	for key, value := range self.params {
		params[key] = cloneValue(value)
	}
	return &protocol.InitialState{
		Text:   self.text,
		Params: params,
	}
}

func (self *Store) Text() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.text
}

func (self *Store) Param(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.params[key]
	if !ok {
		return nil, false
	}
	return cloneValue(value), true
}

// last writer wins
func (self *Store) Apply(update *protocol.UpdateState) error {
	if err := update.Validate(); err != nil {
		return err
	}

	switch update.Type {
	case protocol.UpdateTypeText:
		text := update.Value.(string)

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.text = text
		return nil
	default:
		// normalize before taking the lock, a failed normalize leaves the store untouched
		value, err := protocol.NormalizeValue(update.Value)
		if err != nil {
			return fmt.Errorf("%w: param[%s] %s", ErrInvalidValue, update.Key, err)
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.params[update.Key] = value
		return nil
	}
}

// replaces all state
func (self *Store) Restore(state *protocol.InitialState) error {
	params, err := protocol.NormalizeParams(state.Params)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.text = state.Text
	self.params = params
	return nil
}

func (self *Store) Stats() StoreStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return StoreStats{
		TextLength: len(self.text),
		Params:     len(self.params),
	}
}

// writes the snapshot atomically (temp file then rename)
func (self *Store) SaveFile(path string) error {
	snapshotBytes, err := protocol.EncodeSnapshot(self.Snapshot())
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(snapshotBytes); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

// a missing file loads an empty store
func LoadStoreFile(path string) (*Store, error) {
	store := NewStore()

	snapshotBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	} else if err != nil {
		return nil, err
	}

	state, err := protocol.DecodeSnapshot(snapshotBytes)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	if err := store.Restore(state); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return store, nil
}

// deep copy of a value in normal form
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := maps.Clone(v)
		for key, elem := range c {
			c[key] = cloneValue(elem)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, elem := range v {
			c[i] = cloneValue(elem)
		}
		return c
	default:
		return v
	}
}
