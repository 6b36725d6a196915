package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tripplan/tripsync/tripsync"
)

type ServerSettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// clients that send nothing for this long are disconnected
	ReadTimeout time.Duration
	// out of band pings keep idle clients from timing out
	PingInterval time.Duration
	// bounds the synthetic leave sequenced when a joined client disconnects
	LeaveTimeout time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 15 * time.Second,
		LeaveTimeout: 2 * time.Second,
	}
}

// Server is the reference relay:
//   - `GET /trips/{tripPlanId}/snapshot` protobuf snapshot for a bearer jwt
//   - `GET /trips/{tripPlanId}/sync` websocket, auth frame then envelopes both ways
//
// Every envelope a client sends is sequenced and fanned out to all clients of the trip plan,
// the sender included. Join and leave payloads carry the member from the jwt.
type Server struct {
	ctx         context.Context
	sequencer   Sequencer
	byJwtSecret []byte
	settings    *ServerSettings

	router   *mux.Router
	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, sequencer Sequencer, byJwtSecret []byte) *Server {
	return NewServer(ctx, sequencer, byJwtSecret, DefaultServerSettings())
}

func NewServer(ctx context.Context, sequencer Sequencer, byJwtSecret []byte, settings *ServerSettings) *Server {
	server := &Server{
		ctx:         ctx,
		sequencer:   sequencer,
		byJwtSecret: byJwtSecret,
		settings:    settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.AuthTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/trips/{tripPlanId}/snapshot", server.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/trips/{tripPlanId}/sync", server.handleSync).Methods(http.MethodGet)
	server.router = router

	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tripPlanId := mux.Vars(r)["tripPlanId"]

	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "Missing bearer token.", http.StatusUnauthorized)
		return
	}
	if _, err := tripsync.ParseByJwt(bearer, self.byJwtSecret); err != nil {
		http.Error(w, "Invalid bearer token.", http.StatusUnauthorized)
		return
	}

	snapshot, err := self.sequencer.Snapshot(r.Context(), tripPlanId)
	if err != nil {
		glog.Infof("[relay]%s snapshot error = %s\n", tripPlanId, err)
		http.Error(w, "Snapshot unavailable.", http.StatusServiceUnavailable)
		return
	}
	b, err := tripsync.EncodeSnapshot(snapshot)
	if err != nil {
		glog.Infof("[relay]%s snapshot encode error = %s\n", tripPlanId, err)
		http.Error(w, "Snapshot unavailable.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", tripsync.SnapshotContentType)
	w.Write(b)
}

func (self *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tripPlanId := mux.Vars(r)["tripPlanId"]

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		glog.V(1).Infof("[relay]%s upgrade error = %s\n", tripPlanId, err)
		return
	}
	defer ws.Close()

	connectionId := uuid.New()

	member, err := self.authenticate(ws)
	if err != nil {
		glog.Infof("[relay]%s %s auth error = %s\n", tripPlanId, connectionId, err)
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth"),
			time.Now().Add(self.settings.WriteTimeout),
		)
		return
	}
	glog.V(1).Infof("[relay]%s %s connect member=%s\n", tripPlanId, connectionId, member.MemberId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// subscribe before reading so the client sees its own join
	envelopes, err := self.sequencer.Subscribe(handleCtx, tripPlanId)
	if err != nil {
		glog.Infof("[relay]%s %s subscribe error = %s\n", tripPlanId, connectionId, err)
		return
	}

	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()
	go self.writeLoop(handleCtx, handleCancel, ws, tripPlanId, envelopes)

	joined := false
	defer func() {
		if !joined {
			return
		}
		leaveCtx, leaveCancel := context.WithTimeout(self.ctx, self.settings.LeaveTimeout)
		defer leaveCancel()
		leave := &tripsync.Envelope{
			Id:         tripsync.NewId().String(),
			TripPlanId: tripPlanId,
			Payload: &tripsync.LeaveSession{
				MemberId:    member.MemberId,
				MemberEmail: member.MemberEmail,
			},
		}
		if _, err := self.sequencer.Sequence(leaveCtx, leave); err != nil {
			glog.Infof("[relay]%s %s leave error = %s\n", tripPlanId, connectionId, err)
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[relay]%s %s disconnect = %s\n", tripPlanId, connectionId, err)
			return
		}

		envelope, err := tripsync.DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[relay]%s %s drop = %s\n", tripPlanId, connectionId, err)
			continue
		}
		if envelope.TripPlanId != tripPlanId {
			glog.Infof("[relay]%s %s drop envelope for %s\n", tripPlanId, connectionId, envelope.TripPlanId)
			continue
		}

		switch envelope.Payload.(type) {
		case *tripsync.Ping:
			// liveness only
			continue
		case *tripsync.JoinSession:
			envelope.Payload = &tripsync.JoinSession{
				MemberId:    member.MemberId,
				MemberEmail: member.MemberEmail,
			}
			joined = true
		case *tripsync.LeaveSession:
			envelope.Payload = &tripsync.LeaveSession{
				MemberId:    member.MemberId,
				MemberEmail: member.MemberEmail,
			}
			joined = false
		}

		sequenced, err := self.sequencer.Sequence(handleCtx, envelope)
		if err != nil {
			glog.Infof("[relay]%s %s sequence error = %s\n", tripPlanId, connectionId, err)
			return
		}
		glog.V(2).Infof("[relay]%s %s sequenced %s\n", tripPlanId, connectionId, sequenced)
	}
}

// authenticate reads the auth frame and echoes it back once the jwt verifies
func (self *Server) authenticate(ws *websocket.Conn) (tripsync.Member, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return tripsync.Member{}, err
	}
	if messageType != websocket.TextMessage {
		return tripsync.Member{}, errors.New("auth frame must be text")
	}
	var authFrame tripsync.AuthFrame
	if err := json.Unmarshal(message, &authFrame); err != nil {
		return tripsync.Member{}, fmt.Errorf("malformed auth frame: %w", err)
	}
	byJwt, err := tripsync.ParseByJwt(authFrame.ByJwt, self.byJwtSecret)
	if err != nil {
		return tripsync.Member{}, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		return tripsync.Member{}, err
	}
	return byJwt.Member(), nil
}

// all writes after the auth echo happen on this goroutine
func (self *Server) writeLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	ws *websocket.Conn,
	tripPlanId string,
	envelopes <-chan *tripsync.Envelope,
) {
	defer cancel()

	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()

	write := func(envelope *tripsync.Envelope) error {
		b, err := tripsync.EncodeEnvelope(envelope)
		if err != nil {
			return err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, b)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-envelopes:
			if !ok {
				return
			}
			if err := write(envelope); err != nil {
				glog.V(1).Infof("[relay]%s write error = %s\n", tripPlanId, err)
				return
			}
		case <-pingTicker.C:
			ping := &tripsync.Envelope{
				Id:         tripsync.NewId().String(),
				TripPlanId: tripPlanId,
				Payload:    &tripsync.Ping{},
			}
			if err := write(ping); err != nil {
				glog.V(1).Infof("[relay]%s ping error = %s\n", tripPlanId, err)
				return
			}
		}
	}
}
