package canvas

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxMessageSize     int64
}

func DefaultServerSettings() *ServerSettings {
	pingTimeout := 5 * time.Second
	return &ServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        pingTimeout,
		WriteTimeout:       5 * time.Second,
		// a few missed pings
		ReadTimeout:    3 * pingTimeout,
		MaxMessageSize: 1024 * 1024,
	}
}

// The coordinator http surface.
// - `/ws` websocket, one relay session per connection
// - `/health`
// - `/state` current snapshot as json
type Server struct {
	ctx context.Context

	relay    *Relay
	settings *ServerSettings
	upgrader websocket.Upgrader
	router   *gin.Engine
}

func NewServerWithDefaults(ctx context.Context, relay *Relay) *Server {
	return NewServer(ctx, relay, DefaultServerSettings())
}

func NewServer(ctx context.Context, relay *Relay, settings *ServerSettings) *Server {
	server := &Server{
		ctx:      ctx,
		relay:    relay,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			// participants are not authenticated, any page may join
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router: gin.New(),
	}
	server.router.Use(gin.Recovery())
	server.router.GET("/ws", func(c *gin.Context) { server.handleWs(c) })
	server.router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	server.router.GET("/state", func(c *gin.Context) { server.handleState(c) })
	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, self.relay.Store().Snapshot())
}

func (self *Server) handleWs(c *gin.Context) {
	ws, err := self.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the http error
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}
	self.serveConn(ws)
}

func (self *Server) serveConn(ws *websocket.Conn) {
	defer ws.Close()

	session := self.relay.Connect()
	defer self.relay.Disconnect(session)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetReadLimit(self.settings.MaxMessageSize)
	keepAlive(ws, self.settings.ReadTimeout, self.settings.WriteTimeout)

	go func() {
		defer handleCancel()
		// unblock the reader
		defer ws.Close()

		// pings go out on schedule even while the send queue is busy
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-session.Done():
				return
			case message := <-session.Send():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", session.Id(), err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", session.Id())
			case <-pingTicker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					glog.V(1).Infof("[ws]%s-> ping error = %s\n", session.Id(), err)
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
			glog.V(1).Infof("[ws]%s<- error = %s\n", session.Id(), err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[ws]%s<-\n", session.Id())
			self.relay.Receive(session, message)
		default:
			glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, session.Id())
		}
	}
}

// Any control frame from the peer counts as liveness.
// The ping handler replaces the default one, so it must also write the pong.
// `WriteControl` may run concurrently with the writer goroutine.
func keepAlive(ws *websocket.Conn, readTimeout time.Duration, writeTimeout time.Duration) {
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}
