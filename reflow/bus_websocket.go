package reflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const WebsocketBusBufferSize = 32

type WebsocketBusSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebsocketBusSettings() *WebsocketBusSettings {
	return &WebsocketBusSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WebsocketBus relays messages through a `BusRelay`.
// Each channel handle keeps one connection and reconnects on failure;
// posts while disconnected are dropped.
type WebsocketBus struct {
	relayUrl string
	settings *WebsocketBusSettings
}

func NewWebsocketBusWithDefaults(relayUrl string) *WebsocketBus {
	return NewWebsocketBus(relayUrl, DefaultWebsocketBusSettings())
}

func NewWebsocketBus(relayUrl string, settings *WebsocketBusSettings) *WebsocketBus {
	return &WebsocketBus{
		relayUrl: relayUrl,
		settings: settings,
	}
}

func (self *WebsocketBus) Open(channel string) (BusChannel, error) {
	u, err := url.Parse(self.relayUrl)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("channel", channel)
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	busChannel := &websocketBusChannel{
		ctx:         ctx,
		cancel:      cancel,
		url:         u.String(),
		settings:    self.settings,
		subscribers: newBusSubscribers(),
		send:        make(chan []byte, WebsocketBusBufferSize),
		connected:   make(chan struct{}),
		log:         LogFn(LogLevelInfo, fmt.Sprintf("[bus]ws %s ", channel)),
	}
	go busChannel.run()
	return busChannel, nil
}

type websocketBusChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	settings    *WebsocketBusSettings
	subscribers *busSubscribers
	send        chan []byte

	connectedOnce sync.Once
	// closed after the first successful connect
	connected chan struct{}

	log LogFunction
}

// Connected is closed once the first connection to the relay is up
func (self *websocketBusChannel) Connected() <-chan struct{} {
	return self.connected
}

func (self *websocketBusChannel) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[bus]ws connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}
		self.connectedOnce.Do(func() {
			close(self.connected)
		})
		self.log("connected %s", self.url)

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *websocketBusChannel) handle(ws *websocket.Conn) {
	defer ws.Close()
	defer self.log("disconnected")

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					glog.Infof("[bus]ws-> error = %s\n", err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-handleCtx.Done()
		// unblock the read
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
			default:
				glog.Infof("[bus]ws<- error = %s\n", err)
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			message, err := DecodeBusMessage(frame)
			if err != nil {
				glog.Infof("[bus]ws<- bad message = %s\n", err)
				continue
			}
			self.subscribers.dispatch(message)
		default:
			SubLogFn(LogLevelDebug, self.log, "<- ")("other=%d", messageType)
		}
	}
}

func (self *websocketBusChannel) Post(message *BusMessage) error {
	frame, err := EncodeBusMessage(self.subscribers.stamp(message))
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
	case self.send <- frame:
	default:
		glog.Infof("[bus]ws drop %s, send backlog\n", message.Type)
	}
	return nil
}

func (self *websocketBusChannel) Subscribe(callback func(*BusMessage)) func() {
	return self.subscribers.add(callback)
}

func (self *websocketBusChannel) Close() {
	self.cancel()
	self.subscribers.clear()
}

// BusRelay fans websocket frames out to every other connection on the same channel.
// Frames are opaque to the relay.
type BusRelay struct {
	upgrader websocket.Upgrader
	settings *WebsocketBusSettings

	mutex    sync.Mutex
	channels map[string]map[*relayConn]bool
}

func NewBusRelayWithDefaults() *BusRelay {
	return NewBusRelay(DefaultWebsocketBusSettings())
}

func NewBusRelay(settings *WebsocketBusSettings) *BusRelay {
	return &BusRelay{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			// the relay carries no credentials; every origin may listen
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		settings: settings,
		channels: map[string]map[*relayConn]bool{},
	}
}

type relayConn struct {
	ws   *websocket.Conn
	send chan []byte
}

func (self *BusRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "Missing channel.", http.StatusBadRequest)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &relayConn{
		ws:   ws,
		send: make(chan []byte, WebsocketBusBufferSize),
	}
	self.add(channel, conn)
	defer self.remove(channel, conn)
	defer ws.Close()

	log := SubLogFn(LogLevelDebug, LogFn(LogLevelInfo, "[relay]"), channel)
	log(" open %s", r.RemoteAddr)
	defer log(" close %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
	})

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-conn.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		for _, peer := range self.peers(channel, conn) {
			select {
			case peer.send <- frame:
			default:
				glog.Infof("[relay]%s drop frame, peer backlog\n", channel)
			}
		}
	}
}

func (self *BusRelay) add(channel string, conn *relayConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conns, ok := self.channels[channel]
	if !ok {
		conns = map[*relayConn]bool{}
		self.channels[channel] = conns
	}
	conns[conn] = true
}

func (self *BusRelay) remove(channel string, conn *relayConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if conns, ok := self.channels[channel]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(self.channels, channel)
		}
	}
}

func (self *BusRelay) peers(channel string, exclude *relayConn) []*relayConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := []*relayConn{}
	for conn := range self.channels[channel] {
		if conn != exclude {
			peers = append(peers, conn)
		}
	}
	return peers
}

func (self *BusRelay) ConnectionCount(channel string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.channels[channel])
}
