package canvas

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type CursorSettings struct {
	// at most one position send per interval, ~25hz
	SendInterval time.Duration
}

func DefaultCursorSettings() *CursorSettings {
	return &CursorSettings{
		SendInterval: 40 * time.Millisecond,
	}
}

// the viewport size provider, in the same units as pointer samples
type Viewport interface {
	Extent() (width float64, height float64)
}

type ViewportFunc func() (width float64, height float64)

func (self ViewportFunc) Extent() (float64, float64) {
	return self()
}

type FixedViewport struct {
	Width  float64
	Height float64
}

func (self FixedViewport) Extent() (float64, float64) {
	return self.Width, self.Height
}

// pointer position divided by viewport extent per axis, clamped to [0, 1]
func Normalize(pointerX float64, pointerY float64, width float64, height float64) Position {
	position := Position{}
	if 0 < width {
		position.X = clampUnit(pointerX / width)
	}
	if 0 < height {
		position.Y = clampUnit(pointerY / height)
	}
	return position
}

type CursorStats struct {
	Samples uint64
	Sent    uint64
}

// Takes every local pointer sample. Runs proximity detection on each sample
// and throttles the outbound `mouse_move`, always sending the latest sample
// when the window opens.
type CursorBroadcaster struct {
	ctx context.Context

	sender   Sender
	viewport Viewport
	detector *ProximityDetector
	settings *CursorSettings
	// one time source for samples, throttle windows and proximity
	clock func() time.Time

	stateLock  sync.Mutex
	name       string
	color      string
	local      Position
	hasLocal   bool
	lastSentAt time.Time
	pending    *protocol.MouseMove
	timer      *time.Timer
	stats      CursorStats
}

func NewCursorBroadcasterWithDefaults(ctx context.Context, sender Sender, viewport Viewport, detector *ProximityDetector) *CursorBroadcaster {
	return NewCursorBroadcaster(ctx, sender, viewport, detector, DefaultCursorSettings())
}

func NewCursorBroadcaster(
	ctx context.Context,
	sender Sender,
	viewport Viewport,
	detector *ProximityDetector,
	settings *CursorSettings,
) *CursorBroadcaster {
	cursor := &CursorBroadcaster{
		ctx:      ctx,
		sender:   sender,
		viewport: viewport,
		detector: detector,
		settings: settings,
		clock:    time.Now,
	}
	go func() {
		<-ctx.Done()
		cursor.stateLock.Lock()
		defer cursor.stateLock.Unlock()
		if cursor.timer != nil {
			cursor.timer.Stop()
			cursor.timer = nil
		}
		cursor.pending = nil
	}()
	return cursor
}

func (self *CursorBroadcaster) SetIdentity(name string, color string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.name = name
	self.color = color
}

// the last normalized local position
func (self *CursorBroadcaster) Position() (Position, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.local, self.hasLocal
}

// one local pointer sample, in viewport units
func (self *CursorBroadcaster) Move(pointerX float64, pointerY float64) Position {
	now := self.clock()
	width, height := self.viewport.Extent()
	position := Normalize(pointerX, pointerY, width, height)

	if self.detector != nil {
		self.detector.Check(position, now)
	}

	select {
	case <-self.ctx.Done():
		return position
	default:
	}

	var sendNow *protocol.MouseMove
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.stats.Samples += 1
		self.local = position
		self.hasLocal = true

		mouseMove := &protocol.MouseMove{
			X:     position.X,
			Y:     position.Y,
			Color: self.color,
			Name:  self.name,
		}

		elapsed := now.Sub(self.lastSentAt)
		if self.settings.SendInterval <= elapsed {
			if self.timer != nil {
				self.timer.Stop()
				self.timer = nil
			}
			self.pending = nil
			self.lastSentAt = now
			sendNow = mouseMove
		} else {
			self.pending = mouseMove
			if self.timer == nil {
				self.timer = time.AfterFunc(self.settings.SendInterval-elapsed, self.sendPending)
			}
		}
	}()

	if sendNow != nil {
		self.send(sendNow)
	}
	return position
}

func (self *CursorBroadcaster) sendPending() {
	var mouseMove *protocol.MouseMove
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.timer = nil
		mouseMove = self.pending
		self.pending = nil
		if mouseMove != nil {
			self.lastSentAt = self.clock()
		}
	}()

	if mouseMove != nil {
		self.send(mouseMove)
	}
}

func (self *CursorBroadcaster) send(mouseMove *protocol.MouseMove) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if self.sender.Send(protocol.EventMouseMove, mouseMove) {
		self.stateLock.Lock()
		self.stats.Sent += 1
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]send (%.3f, %.3f)\n", mouseMove.X, mouseMove.Y)
	}
}

func (self *CursorBroadcaster) Stats() CursorStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stats
}
