package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type ClientTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxMessageSize     int64
	SendBufferSize     int

	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout     time.Duration
}

func DefaultClientTransportSettings() *ClientTransportSettings {
	pingTimeout := 5 * time.Second
	return &ClientTransportSettings{
		WsHandshakeTimeout:      2 * time.Second,
		PingTimeout:             pingTimeout,
		WriteTimeout:            5 * time.Second,
		ReadTimeout:             3 * pingTimeout,
		MaxMessageSize:          1024 * 1024,
		SendBufferSize:          64,
		ReconnectInitialTimeout: 250 * time.Millisecond,
		ReconnectMaxTimeout:     10 * time.Second,
	}
}

// called on the transport read goroutine, in receive order
type ReceiveFunction func(frame *protocol.Frame)

type ConnectFunction func(connected bool)

// A persistent connection to the coordinator with reconnect.
// Sends while disconnected are dropped. There is no replay,
// on reconnect the coordinator sends a fresh `initial_state`.
type ClientTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientTransportSettings

	stateLock sync.Mutex
	// the current connection send queue, nil while disconnected
	send chan []byte

	receiveCallbacks CallbackList[ReceiveFunction]
	connectCallbacks CallbackList[ConnectFunction]
}

func NewClientTransportWithDefaults(ctx context.Context, url string) *ClientTransport {
	return NewClientTransport(ctx, url, DefaultClientTransportSettings())
}

// callers register callbacks then `go transport.Run()`
func NewClientTransport(ctx context.Context, url string, settings *ClientTransportSettings) *ClientTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ClientTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
	}
}

func (self *ClientTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *ClientTransport) AddConnectCallback(connectCallback ConnectFunction) func() {
	return self.connectCallbacks.add(connectCallback)
}

func (self *ClientTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send != nil
}

// returns false if the frame was dropped
func (self *ClientTransport) Send(event string, payload any) bool {
	frameBytes, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		glog.Infof("[t]encode %s error = %s\n", event, err)
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.send == nil {
		glog.V(2).Infof("[t]drop %s (disconnected)\n", event)
		return false
	}
	select {
	case self.send <- frameBytes:
		return true
	default:
		glog.Infof("[t]drop %s (send buffer full)\n", event)
		return false
	}
}

func (self *ClientTransport) Run() {
	defer self.cancel()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectInitialTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	// never give up
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	connect := func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		return ws, err
	}

	for {
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.url), connect)
		} else {
			ws, err = connect()
		}
		if err == nil {
			reconnect.Reset()
			self.handle(ws)
		} else {
			glog.Infof("[t]connect error %s = %s\n", self.url, err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (self *ClientTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	self.stateLock.Unlock()
	self.notifyConnect(true)

	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.stateLock.Unlock()
		self.notifyConnect(false)
	}()

	ws.SetReadLimit(self.settings.MaxMessageSize)
	keepAlive(ws, self.settings.ReadTimeout, self.settings.WriteTimeout)

	go func() {
		defer handleCancel()
		// unblock the reader
		defer ws.Close()

		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(self.settings.WriteTimeout),
				)
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ts]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]->\n")
			case <-pingTicker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					glog.V(1).Infof("[ts]-> ping error = %s\n", err)
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			frame, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.V(1).Infof("[tr]<- drop = %s\n", err)
				continue
			}
			glog.V(2).Infof("[tr]<- %s\n", frame.Event)
			self.notifyReceive(frame)
		default:
			glog.V(2).Infof("[tr]other=%d <-\n", messageType)
		}
	}
}

func (self *ClientTransport) notifyReceive(frame *protocol.Frame) {
	for _, receiveCallback := range self.receiveCallbacks.get() {
		HandleError(func() {
			receiveCallback(frame)
		})
	}
}

func (self *ClientTransport) notifyConnect(connected bool) {
	for _, connectCallback := range self.connectCallbacks.get() {
		HandleError(func() {
			connectCallback(connected)
		})
	}
}

func (self *ClientTransport) Close() {
	self.cancel()
}

func (self *ClientTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}
