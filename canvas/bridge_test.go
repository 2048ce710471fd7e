package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type testSentFrame struct {
	event   string
	payload any
	sentAt  time.Time
}

type testSender struct {
	stateLock sync.Mutex
	frames    []testSentFrame
}

func (self *testSender) Send(event string, payload any) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.frames = append(self.frames, testSentFrame{
		event:   event,
		payload: payload,
		sentAt:  time.Now(),
	})
	return true
}

func (self *testSender) sent() []testSentFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]testSentFrame(nil), self.frames...)
}

func newTestBridge(ctx context.Context, debounceTimeout time.Duration) (*SyncBridge, *LocalState, *testSender) {
	registry := DefaultKeyRegistry()
	localState := NewLocalState(registry)
	sender := &testSender{}
	settings := DefaultSyncBridgeSettings()
	settings.DebounceTimeout = debounceTimeout
	bridge := NewSyncBridge(ctx, sender, localState, registry, settings)
	return bridge, localState, sender
}

func TestBridgeDiscreteImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, _, sender := newTestBridge(ctx, 80*time.Millisecond)

	err := bridge.Edit(ParamField("bg-type"), "wireframe")
	assert.Equal(t, err, nil)

	// sent synchronously, before any timer
	frames := sender.sent()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, frames[0].event, protocol.EventUpdateState)
	assert.Equal(t, frames[0].payload, protocol.ParamUpdate("bg-type", "wireframe"))

	err = bridge.Edit(TextField(), "hello")
	assert.Equal(t, err, nil)
	frames = sender.sent()
	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frames[1].payload, protocol.TextUpdate("hello"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, len(sender.sent()), 2)
}

func TestBridgeDebounceCollapsing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, _, sender := newTestBridge(ctx, 80*time.Millisecond)

	for i := 0; i < 20; i++ {
		err := bridge.Edit(ParamField("bg-speed"), float64(i))
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, len(sender.sent()), 0)
	assert.Equal(t, bridge.phase(ParamField("bg-speed")), phaseDebouncing)

	time.Sleep(300 * time.Millisecond)

	frames := sender.sent()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, frames[0].payload, protocol.ParamUpdate("bg-speed", float64(19)))
	assert.Equal(t, bridge.phase(ParamField("bg-speed")), phaseIdle)
	assert.Equal(t, bridge.Stats().Collapsed, uint64(19))
}

func TestBridgeDebouncePerKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, _, sender := newTestBridge(ctx, 50*time.Millisecond)

	bridge.Edit(ParamField("bg-speed"), 1)
	bridge.Edit(ParamField("text-size"), 2)
	bridge.Edit(ParamField("bg-speed"), 3)

	time.Sleep(250 * time.Millisecond)

	frames := sender.sent()
	assert.Equal(t, len(frames), 2)
	payloads := map[string]any{}
	for _, frame := range frames {
		update := frame.payload.(*protocol.UpdateState)
		payloads[update.Key] = update.Value
	}
	assert.Equal(t, payloads, map[string]any{"bg-speed": float64(3), "text-size": float64(2)})
}

func TestBridgeRemoteUpdateNotEchoed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, localState, sender := newTestBridge(ctx, 50*time.Millisecond)

	rendered := []any{}
	localState.AddChangeCallback(func(field Field, value any) {
		rendered = append(rendered, value)
	})

	bridge.HandleUpdate(protocol.ParamUpdate("bg-type", "wireframe"))
	bridge.HandleUpdate(protocol.ParamUpdate("bg-speed", 0.5))
	bridge.HandleUpdate(protocol.TextUpdate("remote body"))

	time.Sleep(200 * time.Millisecond)

	// applied and rendered, never sent back
	assert.Equal(t, len(sender.sent()), 0)
	assert.Equal(t, rendered, []any{"wireframe", 0.5, "remote body"})
	value, _ := localState.Get(ParamField("bg-type"))
	assert.Equal(t, value, "wireframe")
	assert.Equal(t, bridge.Stats().Suppressed, uint64(3))
	assert.Equal(t, bridge.phase(ParamField("bg-type")), phaseIdle)

	// the next genuine local edit goes out
	bridge.Edit(ParamField("bg-type"), "grid")
	assert.Equal(t, len(sender.sent()), 1)
}

func TestBridgeRemoteUnchangedValueClearsMarker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, _, sender := newTestBridge(ctx, 50*time.Millisecond)

	bridge.Edit(ParamField("bg-type"), "wireframe")
	assert.Equal(t, len(sender.sent()), 1)

	// the coordinator relays another session's identical value.
	// no change effect runs, and the marker must not swallow the next edit.
	bridge.HandleUpdate(protocol.ParamUpdate("bg-type", "wireframe"))
	assert.Equal(t, bridge.phase(ParamField("bg-type")), phaseIdle)

	bridge.Edit(ParamField("bg-type"), "grid")
	assert.Equal(t, len(sender.sent()), 2)
}

func TestBridgeRemoteSupersedesDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, localState, sender := newTestBridge(ctx, 80*time.Millisecond)

	bridge.Edit(ParamField("bg-speed"), 1)
	assert.Equal(t, bridge.phase(ParamField("bg-speed")), phaseDebouncing)

	// a remote value lands mid window
	bridge.HandleUpdate(protocol.ParamUpdate("bg-speed", 7))

	time.Sleep(250 * time.Millisecond)

	// the stale local value never goes out
	assert.Equal(t, len(sender.sent()), 0)
	value, _ := localState.Get(ParamField("bg-speed"))
	assert.Equal(t, value, float64(7))
	assert.Equal(t, bridge.phase(ParamField("bg-speed")), phaseIdle)
}

func TestBridgeAliasSharesBucket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, localState, sender := newTestBridge(ctx, 50*time.Millisecond)

	// remote update under the legacy name, local effect under the canonical name
	bridge.HandleUpdate(protocol.ParamUpdate("bgSpeed", 2))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, len(sender.sent()), 0)

	value, ok := localState.Get(ParamField("bg-speed"))
	assert.Equal(t, ok, true)
	assert.Equal(t, value, float64(2))

	// local edits under both names collapse into one send under the canonical name
	bridge.Edit(ParamField("bgSpeed"), 3)
	bridge.Edit(ParamField("bg-speed"), 4)
	time.Sleep(150 * time.Millisecond)

	frames := sender.sent()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, frames[0].payload, protocol.ParamUpdate("bg-speed", float64(4)))
}

func TestBridgeApplySnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, localState, sender := newTestBridge(ctx, 50*time.Millisecond)

	bridge.Edit(ParamField("font"), "serif")
	assert.Equal(t, len(sender.sent()), 1)

	bridge.ApplySnapshot(&protocol.InitialState{
		Text: "snapshot body",
		Params: map[string]any{
			"bg-type":  "wireframe",
			"bg-speed": 0.25,
		},
	})
	time.Sleep(150 * time.Millisecond)

	// nothing echoed, params not in the snapshot are gone
	assert.Equal(t, len(sender.sent()), 1)
	assert.Equal(t, localState.Text(), "snapshot body")
	assert.Equal(t, localState.Params(), map[string]any{
		"bg-type":  "wireframe",
		"bg-speed": 0.25,
	})
}

func TestBridgeFlushAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, _, sender := newTestBridge(ctx, time.Second)

	bridge.Edit(ParamField("bg-speed"), 1)
	bridge.Edit(ParamField("bg-color"), "#fff")
	bridge.Flush()
	assert.Equal(t, len(sender.sent()), 2)

	bridge.Edit(ParamField("bg-speed"), 2)
	bridge.Close()
	time.Sleep(50 * time.Millisecond)
	bridge.Edit(ParamField("bg-speed"), 3)
	time.Sleep(50 * time.Millisecond)
	bridge.Flush()
	assert.Equal(t, len(sender.sent()), 2)
}

func TestBridgeRemoteApplyRacingLocalEdit(t *testing.T) {
	// whichever lands first, the remote value is never sent back
	// and the local edit always goes out exactly once
	for i := 0; i < 2000; i++ {
		func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bridge, localState, sender := newTestBridge(ctx, 80*time.Millisecond)

			start := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				bridge.HandleUpdate(protocol.ParamUpdate("bg-type", "remote"))
			}()
			go func() {
				defer wg.Done()
				<-start
				err := bridge.Edit(ParamField("bg-type"), "local")
				assert.Equal(t, err, nil)
			}()
			close(start)
			wg.Wait()

			frames := sender.sent()
			assert.Equal(t, len(frames), 1)
			assert.Equal(t, frames[0].payload, protocol.ParamUpdate("bg-type", "local"))
			assert.Equal(t, bridge.phase(ParamField("bg-type")), phaseIdle)

			value, ok := localState.Get(ParamField("bg-type"))
			assert.Equal(t, ok, true)
			assert.Equal(t, value == "local" || value == "remote", true)
		}()
	}
}
