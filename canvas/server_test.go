package canvas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for !condition() {
		if endTime.Before(time.Now()) {
			t.Fatalf("Timeout after %s.", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testCoordinator struct {
	relay  *Relay
	server *httptest.Server
	wsUrl  string
}

func newTestCoordinator(ctx context.Context, store *Store) *testCoordinator {
	return newTestCoordinatorWithSettings(ctx, store, DefaultServerSettings())
}

func newTestCoordinatorWithSettings(ctx context.Context, store *Store, settings *ServerSettings) *testCoordinator {
	relay := NewRelayWithDefaults(ctx, store)
	server := httptest.NewServer(NewServer(ctx, relay, settings))
	return &testCoordinator{
		relay:  relay,
		server: server,
		wsUrl:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (self *testCoordinator) join(ctx context.Context, t *testing.T, name string) *Client {
	sessionCount := len(self.relay.Sessions())
	client := NewClientWithDefaults(ctx, self.wsUrl, name, "#fff", FixedViewport{Width: 100, Height: 100})
	go client.Run()
	waitFor(t, 5*time.Second, func() bool {
		return client.IsConnected() && sessionCount+1 <= len(self.relay.Sessions())
	})
	return client
}

func (self *testCoordinator) Close() {
	self.server.Close()
	self.relay.Close()
}

func TestServerRelaysDiscreteParam(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	coordinator := newTestCoordinator(ctx, store)
	defer coordinator.Close()

	a := coordinator.join(ctx, t, "a")
	defer a.Close()
	b := coordinator.join(ctx, t, "b")
	defer b.Close()

	err := a.SetParam("bg-type", "wireframe")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		value, ok := b.LocalState().Get(ParamField("bg-type"))
		return ok && value == "wireframe"
	})
	value, ok := store.Param("bg-type")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "wireframe")

	// b applied it without sending it back
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, b.Bridge().Stats().Sent, uint64(0))
	assert.Equal(t, coordinator.relay.Stats().Updates, uint64(1))
}

func TestServerLateJoinerGetsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	coordinator := newTestCoordinator(ctx, store)
	defer coordinator.Close()

	a := coordinator.join(ctx, t, "a")
	defer a.Close()

	assert.Equal(t, a.SetText("hello"), nil)
	// continuous, goes out after the debounce
	assert.Equal(t, a.SetParam("bgSpeed", 2.5), nil)

	waitFor(t, 5*time.Second, func() bool {
		value, ok := store.Param("bg-speed")
		return store.Text() == "hello" && ok && value == 2.5
	})

	c := coordinator.join(ctx, t, "c")
	defer c.Close()

	waitFor(t, 5*time.Second, func() bool {
		value, ok := c.LocalState().Get(ParamField("bg-speed"))
		return c.LocalState().Text() == "hello" && ok && value == 2.5
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, c.Bridge().Stats().Sent, uint64(0))
}

func TestServerPresenceRemovedOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(ctx, NewStore())
	defer coordinator.Close()

	a := coordinator.join(ctx, t, "a")
	b := coordinator.join(ctx, t, "b")
	defer b.Close()

	a.Move(25, 75)

	waitFor(t, 5*time.Second, func() bool {
		return b.Presence().Len() == 1
	})
	entries := b.Presence().Entries()
	assert.Equal(t, entries[0].Name, "a")
	assert.Equal(t, entries[0].Position, Position{X: 0.25, Y: 0.75})
	// the sender never sees itself
	assert.Equal(t, a.Presence().Len(), 0)

	a.Close()

	waitFor(t, 5*time.Second, func() bool {
		return b.Presence().Len() == 0
	})
	waitFor(t, 5*time.Second, func() bool {
		return len(coordinator.relay.Sessions()) == 1
	})
}

func TestServerChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(ctx, NewStore())
	defer coordinator.Close()

	a := coordinator.join(ctx, t, "a")
	defer a.Close()
	b := coordinator.join(ctx, t, "b")
	defer b.Close()

	assert.Equal(t, a.SendChat("hi"), true)
	assert.Equal(t, a.SendChat(""), false)

	waitFor(t, 5*time.Second, func() bool {
		return len(b.Chat().Entries()) == 1
	})
	entry := b.Chat().Entries()[0]
	assert.Equal(t, entry.Text, "hi")
	assert.Equal(t, entry.Name, "a")
	assert.Equal(t, entry.Local, false)

	// the optimistic copy only
	assert.Equal(t, len(a.Chat().Entries()), 1)
	assert.Equal(t, a.Chat().Entries()[0].Local, true)
}

func TestServerHealthAndState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	store.Apply(protocol.TextUpdate("hello"))
	store.Apply(protocol.ParamUpdate("bg-type", "wireframe"))
	coordinator := newTestCoordinator(ctx, store)
	defer coordinator.Close()

	r, err := http.Get(coordinator.server.URL + "/health")
	assert.Equal(t, err, nil)
	r.Body.Close()
	assert.Equal(t, r.StatusCode, http.StatusOK)

	r, err = http.Get(coordinator.server.URL + "/state")
	assert.Equal(t, err, nil)
	defer r.Body.Close()
	assert.Equal(t, r.StatusCode, http.StatusOK)

	initialState := &protocol.InitialState{}
	err = json.NewDecoder(r.Body).Decode(initialState)
	assert.Equal(t, err, nil)
	assert.Equal(t, initialState, store.Snapshot())
}

func TestServerKeepsSilentObserverWhilePeerIsActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultServerSettings()
	settings.PingTimeout = 100 * time.Millisecond
	settings.ReadTimeout = 300 * time.Millisecond
	coordinator := newTestCoordinatorWithSettings(ctx, NewStore(), settings)
	defer coordinator.Close()

	// the observer never sends, not even its own pings
	observerSettings := DefaultClientTransportSettings()
	observerSettings.PingTimeout = time.Minute
	observerSettings.ReadTimeout = time.Minute
	observer := NewClientTransport(ctx, coordinator.wsUrl, observerSettings)
	defer observer.Close()

	stateLock := sync.Mutex{}
	disconnects := 0
	received := 0
	observer.AddConnectCallback(func(connected bool) {
		if !connected {
			stateLock.Lock()
			defer stateLock.Unlock()
			disconnects += 1
		}
	})
	observer.AddReceiveCallback(func(frame *protocol.Frame) {
		if frame.Event == protocol.EventRemoteMouseMove {
			stateLock.Lock()
			defer stateLock.Unlock()
			received += 1
		}
	})
	go observer.Run()
	waitFor(t, 5*time.Second, func() bool {
		return observer.IsConnected() && len(coordinator.relay.Sessions()) == 1
	})
	observerId := coordinator.relay.Sessions()[0]

	peer, _, err := websocket.DefaultDialer.Dial(coordinator.wsUrl, nil)
	assert.Equal(t, err, nil)
	defer peer.Close()
	go func() {
		// answers the coordinator pings
		for {
			if _, _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	endTime := time.Now().Add(1500 * time.Millisecond)
	for i := 0; time.Now().Before(endTime); i += 1 {
		frameBytes, err := protocol.EncodeFrame(protocol.EventMouseMove, &protocol.MouseMove{
			X:     float64(i%100) / 100,
			Y:     0.5,
			Color: "#0f0",
			Name:  "peer",
		})
		assert.Equal(t, err, nil)
		err = peer.WriteMessage(websocket.TextMessage, frameBytes)
		assert.Equal(t, err, nil)
		time.Sleep(10 * time.Millisecond)
	}

	stateLock.Lock()
	assert.Equal(t, disconnects, 0)
	assert.NotEqual(t, received, 0)
	stateLock.Unlock()

	assert.Equal(t, observer.IsConnected(), true)
	sessionIds := coordinator.relay.Sessions()
	assert.Equal(t, len(sessionIds), 2)
	assert.Equal(t, sessionIds[0], observerId)
}
