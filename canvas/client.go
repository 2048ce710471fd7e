package canvas

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type ClientSettings struct {
	TransportSettings  *ClientTransportSettings
	SyncBridgeSettings *SyncBridgeSettings
	ProximitySettings  *ProximitySettings
	CursorSettings     *CursorSettings
	ChatSettings       *ChatSettings

	// peers with no presence for this long are removed. 0 disables expiry.
	PresenceTtl time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TransportSettings:  DefaultClientTransportSettings(),
		SyncBridgeSettings: DefaultSyncBridgeSettings(),
		ProximitySettings:  DefaultProximitySettings(),
		CursorSettings:     DefaultCursorSettings(),
		ChatSettings:       DefaultChatSettings(),
		PresenceTtl:        0,
	}
}

// One participant. Wires the transport to the local state through the
// sync bridge, and remote presence into the tracker.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	name     string
	color    string
	settings *ClientSettings

	registry   *KeyRegistry
	transport  *ClientTransport
	localState *LocalState
	bridge     *SyncBridge
	tracker    *PresenceTracker
	detector   *ProximityDetector
	cursor     *CursorBroadcaster
	chatLog    *ChatLog
}

func NewClientWithDefaults(ctx context.Context, url string, name string, color string, viewport Viewport) *Client {
	return NewClient(ctx, url, name, color, DefaultKeyRegistry(), viewport, DefaultClientSettings())
}

// callers add their own callbacks then `go client.Run()`
func NewClient(
	ctx context.Context,
	url string,
	name string,
	color string,
	registry *KeyRegistry,
	viewport Viewport,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	transport := NewClientTransport(cancelCtx, url, settings.TransportSettings)
	localState := NewLocalState(registry)
	bridge := NewSyncBridge(cancelCtx, transport, localState, registry, settings.SyncBridgeSettings)
	tracker := NewPresenceTracker()
	detector := NewProximityDetector(tracker, settings.ProximitySettings)
	cursor := NewCursorBroadcaster(cancelCtx, transport, viewport, detector, settings.CursorSettings)
	cursor.SetIdentity(name, color)

	client := &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		name:       name,
		color:      color,
		settings:   settings,
		registry:   registry,
		transport:  transport,
		localState: localState,
		bridge:     bridge,
		tracker:    tracker,
		detector:   detector,
		cursor:     cursor,
		chatLog:    NewChatLog(settings.ChatSettings),
	}
	transport.AddReceiveCallback(client.receive)
	transport.AddConnectCallback(client.connectChanged)
	return client
}

func (self *Client) receive(frame *protocol.Frame) {
	switch frame.Event {
	case protocol.EventInitialState:
		initialState := &protocol.InitialState{}
		if err := frame.DecodeData(initialState); err != nil {
			glog.V(1).Infof("[c]drop = %s\n", err)
			return
		}
		self.bridge.ApplySnapshot(initialState)
		glog.V(1).Infof("[c]initial state (%d params)\n", len(initialState.Params))

	case protocol.EventUpdateState:
		update, err := protocol.DecodeUpdateState(frame)
		if err != nil {
			glog.V(1).Infof("[c]drop = %s\n", err)
			return
		}
		self.bridge.HandleUpdate(update)

	case protocol.EventRemoteMouseMove:
		remoteMouseMove := &protocol.RemoteMouseMove{}
		if err := frame.DecodeData(remoteMouseMove); err != nil || remoteMouseMove.Id == "" {
			glog.V(1).Infof("[c]drop remote_mouse_move = %v\n", err)
			return
		}
		self.tracker.Upsert(remoteMouseMove, time.Now())

	case protocol.EventRemoteMouseRemove:
		remoteMouseRemove := &protocol.RemoteMouseRemove{}
		if err := frame.DecodeData(remoteMouseRemove); err != nil {
			glog.V(1).Infof("[c]drop = %s\n", err)
			return
		}
		self.tracker.Remove(remoteMouseRemove.Id)

	case protocol.EventChatMessage:
		chatMessage, err := protocol.DecodeChatMessage(frame)
		if err != nil {
			glog.V(1).Infof("[c]drop = %s\n", err)
			return
		}
		self.chatLog.Receive(chatMessage, time.Now())

	default:
		glog.V(1).Infof("[c]drop unknown event %s\n", frame.Event)
	}
}

func (self *Client) connectChanged(connected bool) {
	if connected {
		glog.Infof("[c]connected\n")
		return
	}
	// peers are re-announced by their next move after reconnect
	self.tracker.Clear()
	glog.Infof("[c]disconnected\n")
}

// Blocks until the client is closed.
func (self *Client) Run() {
	defer self.cancel()

	if 0 < self.settings.PresenceTtl {
		go self.expirePresence()
	}
	self.transport.Run()
}

func (self *Client) expirePresence() {
	ticker := time.NewTicker(max(self.settings.PresenceTtl/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range self.tracker.ExpireStale(now, self.settings.PresenceTtl) {
				glog.V(1).Infof("[c]expire presence %s\n", id)
			}
		}
	}
}

func (self *Client) SetText(text string) error {
	return self.bridge.Edit(TextField(), text)
}

func (self *Client) SetParam(key string, value any) error {
	return self.bridge.Edit(ParamField(key), value)
}

// one local pointer sample in viewport units
func (self *Client) Move(pointerX float64, pointerY float64) Position {
	return self.cursor.Move(pointerX, pointerY)
}

func (self *Client) SendChat(text string) bool {
	return self.chatLog.Send(self.transport, &protocol.ChatMessage{
		Text:  text,
		Name:  self.name,
		Color: self.color,
	}, time.Now())
}

func (self *Client) IsConnected() bool {
	return self.transport.IsConnected()
}

func (self *Client) LocalState() *LocalState {
	return self.localState
}

func (self *Client) Presence() *PresenceTracker {
	return self.tracker
}

func (self *Client) Proximity() *ProximityDetector {
	return self.detector
}

func (self *Client) Cursor() *CursorBroadcaster {
	return self.cursor
}

func (self *Client) Chat() *ChatLog {
	return self.chatLog
}

func (self *Client) Bridge() *SyncBridge {
	return self.bridge
}

// sends pending debounced edits then closes
func (self *Client) Close() {
	self.bridge.Flush()
	self.bridge.Close()
	self.transport.Close()
	self.cancel()
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}
