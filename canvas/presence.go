package canvas

import (
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

// normalized to [0, 1] on each axis
type Position struct {
	X float64
	Y float64
}

func (self Position) Distance(b Position) float64 {
	return math.Hypot(self.X-b.X, self.Y-b.Y)
}

type PresenceEntry struct {
	Id       string
	Position Position
	Name     string
	Color    string

	LastProximityEventAt time.Time
	LastSeenAt           time.Time
}

// `entry` is a copy
type PresenceFunction func(entry PresenceEntry, removed bool)

// Ephemeral cursor state of every peer session, keyed by the peer session id.
// Entries are created and updated by position broadcasts and
// deleted by the coordinator's disconnect notification.
type PresenceTracker struct {
	stateLock sync.Mutex
	entries   map[string]*PresenceEntry

	presenceCallbacks CallbackList[PresenceFunction]
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		entries: map[string]*PresenceEntry{},
	}
}

func (self *PresenceTracker) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	return self.presenceCallbacks.add(presenceCallback)
}

func (self *PresenceTracker) Upsert(remoteMouseMove *protocol.RemoteMouseMove, now time.Time) {
	if remoteMouseMove.Id == "" {
		return
	}

	var entry PresenceEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		e, ok := self.entries[remoteMouseMove.Id]
		if !ok {
			e = &PresenceEntry{
				Id: remoteMouseMove.Id,
			}
			self.entries[remoteMouseMove.Id] = e
			glog.V(1).Infof("[p]add %s\n", remoteMouseMove.Id)
		}
		e.Position = Position{
			X: remoteMouseMove.X,
			Y: remoteMouseMove.Y,
		}
		e.Name = remoteMouseMove.Name
		e.Color = remoteMouseMove.Color
		e.LastSeenAt = now
		entry = *e
	}()

	self.notify(entry, false)
}

func (self *PresenceTracker) Remove(id string) bool {
	var entry PresenceEntry
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		e, ok := self.entries[id]
		if !ok {
			return false
		}
		delete(self.entries, id)
		entry = *e
		return true
	}()

	if removed {
		glog.V(1).Infof("[p]remove %s\n", id)
		self.notify(entry, true)
	}
	return removed
}

// drops every entry, e.g. when the local connection is lost
func (self *PresenceTracker) Clear() {
	for _, entry := range self.Entries() {
		self.Remove(entry.Id)
	}
}

// Removes entries not seen within `ttl`.
// The coordinator's disconnect notification is the normal eviction path,
// this only bounds stale entries when that notification is lost.
func (self *PresenceTracker) ExpireStale(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	staleIds := []string{}
	for _, entry := range self.Entries() {
		if ttl < now.Sub(entry.LastSeenAt) {
			staleIds = append(staleIds, entry.Id)
		}
	}
	for _, id := range staleIds {
		self.Remove(id)
	}
	return staleIds
}

func (self *PresenceTracker) Get(id string) (PresenceEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	e, ok := self.entries[id]
	if !ok {
		return PresenceEntry{}, false
	}
	return *e, true
}

func (self *PresenceTracker) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

// ordered by id
func (self *PresenceTracker) Entries() []PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]PresenceEntry, 0, len(self.entries))
	for _, e := range self.entries {
		entries = append(entries, *e)
	}
	slices.SortFunc(entries, func(a PresenceEntry, b PresenceEntry) int {
		if a.Id < b.Id {
			return -1
		} else if b.Id < a.Id {
			return 1
		}
		return 0
	})
	return entries
}

// runs `visit` on each live entry under the state lock
func (self *PresenceTracker) visitEntries(visit func(entry *PresenceEntry)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, e := range self.entries {
		visit(e)
	}
}

func (self *PresenceTracker) notify(entry PresenceEntry, removed bool) {
	for _, presenceCallback := range self.presenceCallbacks.get() {
		HandleError(func() {
			presenceCallback(entry, removed)
		})
	}
}
