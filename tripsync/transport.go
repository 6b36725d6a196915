package tripsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Socket is one established connection to the sequencer for a trip plan.
// `Send` may be called from any goroutine. `Receive` is closed when the socket fails or closes,
// after which `Err` reports the cause.
type Socket interface {
	Send(ctx context.Context, message []byte) error
	Receive() <-chan []byte
	Err() error
	Close()
}

type Dialer interface {
	Dial(ctx context.Context, tripPlanId string) (Socket, error)
}

// AuthFrame is the first message on a sync socket. The server echoes it back unchanged
// once the jwt is accepted.
type AuthFrame struct {
	ByJwt string `json:"byJwt"`
}

type WsDialerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	// the server sends keepalives, so any silence longer than this is a failed connection
	ReadTimeout       time.Duration
	SendBufferSize    int
	ReceiveBufferSize int
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
		ReceiveBufferSize:  32,
	}
}

// WsDialer connects to `{connectUrl}/trips/{tripPlanId}/sync`
type WsDialer struct {
	connectUrl string
	byJwt      string
	settings   *WsDialerSettings
}

func NewWsDialerWithDefaults(connectUrl string, byJwt string) *WsDialer {
	return NewWsDialer(connectUrl, byJwt, DefaultWsDialerSettings())
}

func NewWsDialer(connectUrl string, byJwt string, settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		connectUrl: strings.TrimRight(connectUrl, "/"),
		byJwt:      byJwt,
		settings:   settings,
	}
}

func (self *WsDialer) Dial(ctx context.Context, tripPlanId string) (Socket, error) {
	authBytes, err := json.Marshal(&AuthFrame{
		ByJwt: self.byJwt,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	syncUrl := fmt.Sprintf("%s/trips/%s/sync", self.connectUrl, url.PathEscape(tripPlanId))
	ws, _, err := dialer.DialContext(ctx, syncUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		return nil, err
	} else {
		// verify the auth echo
		switch messageType {
		case websocket.TextMessage:
			if !bytes.Equal(authBytes, message) {
				return nil, fmt.Errorf("Auth response error: bad bytes.")
			}
		default:
			return nil, fmt.Errorf("Auth response error.")
		}
	}

	success = true
	return newWsSocket(ctx, ws, tripPlanId, self.settings), nil
}

type wsSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws         *websocket.Conn
	tripPlanId string
	settings   *WsDialerSettings

	send    chan []byte
	receive chan []byte

	stateLock sync.Mutex
	err       error
}

func newWsSocket(ctx context.Context, ws *websocket.Conn, tripPlanId string, settings *WsDialerSettings) *wsSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &wsSocket{
		ctx:        cancelCtx,
		cancel:     cancel,
		ws:         ws,
		tripPlanId: tripPlanId,
		settings:   settings,
		send:       make(chan []byte, settings.SendBufferSize),
		receive:    make(chan []byte, settings.ReceiveBufferSize),
	}
	go socket.writeLoop()
	go socket.readLoop()
	go func() {
		<-cancelCtx.Done()
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(settings.WriteTimeout),
		)
		ws.Close()
	}()
	return socket
}

func (self *wsSocket) setErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil {
		self.err = err
	}
}

func (self *wsSocket) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil && self.ctx.Err() != nil {
		return ErrSocketClosed
	}
	return self.err
}

func (self *wsSocket) writeLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[ts]%s-> error = %s\n", self.tripPlanId, err)
				self.setErr(err)
				return
			}
			glog.V(LogLevelEnvelope).Infof("[ts]%s->\n", self.tripPlanId)
		}
	}
}

func (self *wsSocket) readLoop() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil && !isCloseError(err) {
				glog.Infof("[tr]%s<- error = %s\n", self.tripPlanId, err)
			}
			self.setErr(err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(LogLevelEnvelope).Infof("[tr]%s<-\n", self.tripPlanId)
			}
		default:
			glog.V(LogLevelEnvelope).Infof("[tr]other=%d %s<-\n", messageType, self.tripPlanId)
		}
	}
}

func (self *wsSocket) Send(ctx context.Context, message []byte) error {
	if self.ctx.Err() != nil {
		return self.Err()
	}
	select {
	case <-self.ctx.Done():
		return self.Err()
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- message:
		return nil
	}
}

func (self *wsSocket) Receive() <-chan []byte {
	return self.receive
}

func (self *wsSocket) Close() {
	self.cancel()
}

var _ Socket = (*wsSocket)(nil)
var _ Dialer = (*WsDialer)(nil)
var _ SnapshotFetcher = (*TripApi)(nil)

func isCloseError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
