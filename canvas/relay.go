package canvas

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type RelaySettings struct {
	// frames queued per session before the session is considered stalled
	SessionBufferSize int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		SessionBufferSize: 256,
	}
}

type RelayStats struct {
	Sessions int
	Updates  uint64
	Presence uint64
	Chat     uint64
	Dropped  uint64
	Evicted  uint64
}

// one live connection as seen by the coordinator
type RelaySession struct {
	ctx    context.Context
	cancel context.CancelFunc

	id Id
	// frames to write to the connection, in order. Never closed.
	send chan []byte
}

func (self *RelaySession) Id() Id {
	return self.id
}

func (self *RelaySession) Send() <-chan []byte {
	return self.send
}

// closed when the relay drops the session or the session is closed
func (self *RelaySession) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *RelaySession) Close() {
	self.cancel()
}

// The coordinator relay. Owns the store and the live session set.
// Every store mutation and its rebroadcast happen under one lock,
// so messages from one session reach every other session in send order
// and no session sees a rebroadcast before the mutation it describes.
type Relay struct {
	ctx context.Context

	store    *Store
	registry *KeyRegistry
	settings *RelaySettings

	stateLock sync.Mutex
	sessions  map[Id]*RelaySession
	stats     RelayStats
}

func NewRelayWithDefaults(ctx context.Context, store *Store) *Relay {
	return NewRelay(ctx, store, DefaultKeyRegistry(), DefaultRelaySettings())
}

func NewRelay(ctx context.Context, store *Store, registry *KeyRegistry, settings *RelaySettings) *Relay {
	return &Relay{
		ctx:      ctx,
		store:    store,
		registry: registry,
		settings: settings,
		sessions: map[Id]*RelaySession{},
	}
}

func (self *Relay) Store() *Store {
	return self.store
}

// Registers a new session and queues the full snapshot to it only.
func (self *Relay) Connect() *RelaySession {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	session := &RelaySession{
		ctx:    cancelCtx,
		cancel: cancel,
		id:     NewId(),
		send:   make(chan []byte, max(1, self.settings.SessionBufferSize)),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// the snapshot is taken under the relay lock,
	// so it is exactly the state before any update queued after it
	initialStateBytes, err := protocol.EncodeFrame(protocol.EventInitialState, self.store.Snapshot())
	if err != nil {
		// the store only holds normal form values
		panic(err)
	}
	session.send <- initialStateBytes
	self.sessions[session.id] = session

	glog.V(1).Infof("[r]connect %s (%d)\n", session.id, len(self.sessions))
	return session
}

// Removes the session and notifies every remaining session
// so presence trackers evict it. Shared fields are not touched.
func (self *Relay) Disconnect(session *RelaySession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.disconnectLocked(session)
}

func (self *Relay) disconnectLocked(session *RelaySession) {
	pending := []*RelaySession{session}
	for 0 < len(pending) {
		next := pending[0]
		pending = pending[1:]

		if _, ok := self.sessions[next.id]; !ok {
			continue
		}
		delete(self.sessions, next.id)
		next.Close()
		glog.V(1).Infof("[r]disconnect %s (%d)\n", next.id, len(self.sessions))

		removeBytes, err := protocol.EncodeFrame(protocol.EventRemoteMouseRemove, &protocol.RemoteMouseRemove{
			Id: next.id.String(),
		})
		if err != nil {
			panic(err)
		}
		evicted := self.broadcastLocked(next.id, removeBytes)
		pending = append(pending, evicted...)
	}
}

// Handles one inbound frame from the session.
// Malformed frames are dropped and the session stays connected.
func (self *Relay) Receive(session *RelaySession, frameBytes []byte) {
	frame, err := protocol.DecodeFrame(frameBytes)
	if err != nil {
		self.drop(session, err)
		return
	}

	switch frame.Event {
	case protocol.EventUpdateState:
		update, err := protocol.DecodeUpdateState(frame)
		if err != nil {
			self.drop(session, err)
			return
		}
		self.onUpdate(session, update)
	case protocol.EventMouseMove:
		mouseMove, err := protocol.DecodeMouseMove(frame)
		if err != nil {
			self.drop(session, err)
			return
		}
		self.onPresence(session, mouseMove)
	case protocol.EventChatMessage:
		chatMessage, err := protocol.DecodeChatMessage(frame)
		if err != nil {
			self.drop(session, err)
			return
		}
		self.onChat(session, chatMessage)
	default:
		self.drop(session, errors.New("unknown event "+frame.Event))
	}
}

func (self *Relay) onUpdate(session *RelaySession, update *protocol.UpdateState) {
	field, err := FieldFromUpdate(update)
	if err != nil {
		self.drop(session, err)
		return
	}
	field, value, err := self.registry.Check(field, update.Value)
	if err != nil {
		self.drop(session, err)
		return
	}
	// aliases are rebroadcast under the canonical key
	canonicalUpdate := field.Update(value)
	updateBytes, err := protocol.EncodeFrame(protocol.EventUpdateState, canonicalUpdate)
	if err != nil {
		self.drop(session, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[session.id]; !ok {
		// raced with disconnect
		return
	}
	if err := self.store.Apply(canonicalUpdate); err != nil {
		self.dropLocked(session, err)
		return
	}
	self.stats.Updates += 1
	glog.V(2).Infof("[r]update %s %s\n", session.id, field)
	self.broadcastAndEvictLocked(session.id, updateBytes)
}

func (self *Relay) onPresence(session *RelaySession, mouseMove *protocol.MouseMove) {
	remoteMouseMoveBytes, err := protocol.EncodeFrame(protocol.EventRemoteMouseMove, &protocol.RemoteMouseMove{
		Id:    session.id.String(),
		X:     clampUnit(mouseMove.X),
		Y:     clampUnit(mouseMove.Y),
		Color: mouseMove.Color,
		Name:  mouseMove.Name,
	})
	if err != nil {
		self.drop(session, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[session.id]; !ok {
		return
	}
	self.stats.Presence += 1
	self.broadcastAndEvictLocked(session.id, remoteMouseMoveBytes)
}

func (self *Relay) onChat(session *RelaySession, chatMessage *protocol.ChatMessage) {
	if strings.TrimSpace(chatMessage.Text) == "" {
		self.drop(session, errors.New("empty chat message"))
		return
	}
	chatBytes, err := protocol.EncodeFrame(protocol.EventChatMessage, chatMessage)
	if err != nil {
		self.drop(session, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[session.id]; !ok {
		return
	}
	self.stats.Chat += 1
	self.broadcastAndEvictLocked(session.id, chatBytes)
}

func (self *Relay) broadcastAndEvictLocked(senderId Id, frameBytes []byte) {
	evicted := self.broadcastLocked(senderId, frameBytes)
	for _, session := range evicted {
		self.disconnectLocked(session)
	}
}

// queues to every session except the sender.
// Returns the sessions whose queue was full. These are stalled and must be
// dropped, since skipping a frame would leave them silently diverged.
// A dropped session reconnects and resyncs from `initial_state`.
func (self *Relay) broadcastLocked(senderId Id, frameBytes []byte) []*RelaySession {
	var evicted []*RelaySession
	for id, session := range self.sessions {
		if id == senderId {
			continue
		}
		select {
		case session.send <- frameBytes:
		default:
			glog.Infof("[r]evict stalled %s\n", id)
			self.stats.Evicted += 1
			evicted = append(evicted, session)
		}
	}
	return evicted
}

func (self *Relay) drop(session *RelaySession, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dropLocked(session, err)
}

func (self *Relay) dropLocked(session *RelaySession, err error) {
	self.stats.Dropped += 1
	glog.V(1).Infof("[r]drop %s = %s\n", session.id, err)
}

// connected session ids in connect order
func (self *Relay) Sessions() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids := make([]Id, 0, len(self.sessions))
	for id := range self.sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		}
		return 0
	})
	return ids
}

func (self *Relay) Stats() RelayStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := self.stats
	stats.Sessions = len(self.sessions)
	return stats
}

// Closes every session. The store is kept.
func (self *Relay) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for id, session := range self.sessions {
		delete(self.sessions, id)
		session.Close()
	}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(1, max(0, v))
}
