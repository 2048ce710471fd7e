package canvas

import (
	"time"

	"github.com/golang/glog"
)

type ProximitySettings struct {
	// normalized distance, 0.05 is 5% of the viewport extent
	Threshold float64
	// per peer
	Cooldown time.Duration
}

func DefaultProximitySettings() *ProximitySettings {
	return &ProximitySettings{
		Threshold: 0.05,
		Cooldown:  2 * time.Second,
	}
}

// `peer` is a copy taken when the event fired
type ProximityFunction func(peer PresenceEntry, distance float64)

// Compares the local cursor to every tracked peer cursor.
// Each client runs its own detector against the peer positions it has
// received, so there is no central pairwise computation and no network event.
// The cooldown is tracked per peer on the presence entry.
type ProximityDetector struct {
	tracker  *PresenceTracker
	settings *ProximitySettings

	proximityCallbacks CallbackList[ProximityFunction]
}

func NewProximityDetectorWithDefaults(tracker *PresenceTracker) *ProximityDetector {
	return NewProximityDetector(tracker, DefaultProximitySettings())
}

func NewProximityDetector(tracker *PresenceTracker, settings *ProximitySettings) *ProximityDetector {
	return &ProximityDetector{
		tracker:  tracker,
		settings: settings,
	}
}

func (self *ProximityDetector) AddProximityCallback(proximityCallback ProximityFunction) func() {
	return self.proximityCallbacks.add(proximityCallback)
}

// Runs on every local pointer sample. Returns the peers that fired.
func (self *ProximityDetector) Check(local Position, now time.Time) []PresenceEntry {
	type proximityEvent struct {
		peer     PresenceEntry
		distance float64
	}
	events := []proximityEvent{}

	self.tracker.visitEntries(func(entry *PresenceEntry) {
		distance := local.Distance(entry.Position)
		if self.settings.Threshold <= distance {
			return
		}
		if now.Sub(entry.LastProximityEventAt) <= self.settings.Cooldown {
			return
		}
		entry.LastProximityEventAt = now
		events = append(events, proximityEvent{
			peer:     *entry,
			distance: distance,
		})
	})

	peers := make([]PresenceEntry, 0, len(events))
	for _, event := range events {
		glog.V(1).Infof("[px]%s (%.4f)\n", event.peer.Id, event.distance)
		peers = append(peers, event.peer)
		for _, proximityCallback := range self.proximityCallbacks.get() {
			HandleError(func() {
				proximityCallback(event.peer, event.distance)
			})
		}
	}
	return peers
}
