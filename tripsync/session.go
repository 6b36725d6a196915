package tripsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionJoined
	SessionClosing
	SessionErrored
)

func (self SessionState) String() string {
	switch self {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionJoined:
		return "joined"
	case SessionClosing:
		return "closing"
	case SessionErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type SessionSettings struct {
	JoinTimeout     time.Duration
	LeaveTimeout    time.Duration
	SnapshotTimeout time.Duration
	SendTimeout     time.Duration
	// an out of band ping is sent this often while joined
	KeepaliveInterval time.Duration

	ReconnectInitialDelay time.Duration
	MaxReconnectDelay     time.Duration
	// consecutive failed connects before the session fails. 0 retries forever.
	MaxReconnectAttempts int

	ReorderSettings *ReorderSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		JoinTimeout:           10 * time.Second,
		LeaveTimeout:          2 * time.Second,
		SnapshotTimeout:       15 * time.Second,
		SendTimeout:           5 * time.Second,
		KeepaliveInterval:     15 * time.Second,
		ReconnectInitialDelay: 500 * time.Millisecond,
		MaxReconnectDelay:     30 * time.Second,
		MaxReconnectAttempts:  8,
		ReorderSettings:       DefaultReorderSettings(),
	}
}

// snapshots loaded without a successful release in between before the session reconnects
const maxConsecutiveResyncs = 3

// Change is one release applied to the session document.
// `Envelope` is nil when the whole document was replaced from a snapshot.
type Change struct {
	Counter  uint64
	Envelope *Envelope
}

type ChangeFunction func(change Change)

type StateFunction func(state SessionState)

// Session keeps one trip plan document in the sequencer's order.
//
// One goroutine (`run`) owns the socket reads, the reorder buffer, the document and the presence set.
// Collaborators read copies with `CurrentDocument` and `CurrentPresence` and route every edit
// through `LocalEdit`. An edit is applied to the document only after it comes back from the
// sequencer with a counter.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	tripPlanId string
	member     Member
	dialer     Dialer
	snapshots  SnapshotFetcher
	settings   *SessionSettings

	openOnce     sync.Once
	closeOnce    sync.Once
	closeRequest chan struct{}
	done         chan struct{}

	stateLock sync.Mutex
	state     SessionState
	document  *Document
	counter   uint64
	socket    Socket
	err       error

	presence *Presence
	// run goroutine only
	buffer      *ReorderBuffer
	resyncCount int

	changeCallbacks *CallbackList[ChangeFunction]
	stateCallbacks  *CallbackList[StateFunction]

	log         LogFunction
	envelopeLog LogFunction
}

func NewSessionWithDefaults(
	ctx context.Context,
	tripPlanId string,
	member Member,
	dialer Dialer,
	snapshots SnapshotFetcher,
) *Session {
	return NewSession(ctx, tripPlanId, member, dialer, snapshots, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	tripPlanId string,
	member Member,
	dialer Dialer,
	snapshots SnapshotFetcher,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	log := LogFn(LogLevelSession, fmt.Sprintf("[s]%s", tripPlanId))
	return &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		tripPlanId:      tripPlanId,
		member:          member,
		dialer:          dialer,
		snapshots:       snapshots,
		settings:        settings,
		closeRequest:    make(chan struct{}),
		done:            make(chan struct{}),
		state:           SessionDisconnected,
		presence:        NewPresence(),
		buffer:          NewReorderBuffer(tripPlanId, 0, settings.ReorderSettings),
		changeCallbacks: NewCallbackList[ChangeFunction](),
		stateCallbacks:  NewCallbackList[StateFunction](),
		log:             log,
		envelopeLog:     SubLogFn(LogLevelEnvelope, log, "envelope"),
	}
}

func (self *Session) TripPlanId() string {
	return self.tripPlanId
}

// Open starts connecting. Only the first call has an effect.
func (self *Session) Open() {
	self.openOnce.Do(func() {
		go self.run()
	})
}

// Close leaves the session. Returns immediately; `Done` is closed once the session is torn down.
func (self *Session) Close() {
	self.closeOnce.Do(func() {
		close(self.closeRequest)
	})
	self.openOnce.Do(func() {
		// never opened
		self.cancel()
		close(self.done)
	})
}

func (self *Session) Done() <-chan struct{} {
	return self.done
}

// Err is the fatal error after `Done`, or nil when the session was closed
func (self *Session) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// Counter is the counter of the last applied release
func (self *Session) Counter() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.counter
}

func (self *Session) CurrentDocument() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.document == nil {
		return map[string]any{}
	}
	return self.document.Map()
}

func (self *Session) CurrentPresence() map[string]string {
	return self.presence.Snapshot()
}

// the callback runs on the session goroutine after each release is applied
func (self *Session) AddChangeCallback(changeCallback ChangeFunction) (remove func()) {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Session) AddStateCallback(stateCallback StateFunction) (remove func()) {
	return self.stateCallbacks.Add(stateCallback)
}

// LocalEdit sends the operations as an update and returns the envelope id.
// The document is not changed until the update is released in counter order.
func (self *Session) LocalEdit(ops []PatchOperation) (string, error) {
	self.stateLock.Lock()
	state := self.state
	socket := self.socket
	self.stateLock.Unlock()

	if state != SessionJoined || socket == nil {
		return "", ErrNotJoined
	}

	envelope := &Envelope{
		Id:         NewId().String(),
		TripPlanId: self.tripPlanId,
		Payload: &UpdateTrip{
			Ops: ops,
		},
	}
	if err := self.sendEnvelope(socket, envelope); err != nil {
		return "", err
	}
	return envelope.Id, nil
}

func (self *Session) run() {
	defer func() {
		self.cancel()

		self.stateLock.Lock()
		self.document = nil
		self.stateLock.Unlock()
		self.presence.Reset(nil)
		self.buffer.Reset(0)

		self.setState(SessionDisconnected)
		close(self.done)
	}()

	reconnect := NewReconnect(
		self.settings.ReconnectInitialDelay,
		self.settings.MaxReconnectDelay,
		self.settings.MaxReconnectAttempts,
	)
	for {
		err := self.connectAndServe(reconnect)
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		glog.Infof("[s]%s error = %s\n", self.tripPlanId, err)
		self.setState(SessionErrored)

		delay, ok := reconnect.Next()
		if !ok {
			self.setErr(fmt.Errorf("%w after %d attempts: %w", ErrSessionFailed, reconnect.Attempt(), err))
			return
		}
		glog.Infof("[s]%s reconnect %d in %s\n", self.tripPlanId, reconnect.Attempt(), delay)
		select {
		case <-self.ctx.Done():
			return
		case <-self.closeRequest:
			return
		case <-time.After(delay):
		}
	}
}

func (self *Session) connectAndServe(reconnect *Reconnect) error {
	self.enterConnecting()

	socket, err := self.dial()
	if err != nil {
		if self.isClosing() {
			return ErrSessionClosed
		}
		return &TransportError{Op: "dial", Err: err}
	}
	defer socket.Close()

	self.setSocket(socket)
	defer self.setSocket(nil)

	pending, err := self.join(socket)
	if err != nil {
		return err
	}
	reconnect.Reset()

	self.resyncCount = 0
	if err := self.resync(pending, nil); err != nil {
		if errors.Is(err, errCloseRequested) {
			return self.leave(socket)
		}
		return err
	}
	return self.serve(socket)
}

func (self *Session) dial() (Socket, error) {
	if !glog.V(LogLevelEnvelope) {
		return self.dialer.Dial(self.ctx, self.tripPlanId)
	}
	var socket Socket
	err := TraceWithError(fmt.Sprintf("[s]connect %s", self.tripPlanId), func() error {
		var err error
		socket, err = self.dialer.Dial(self.ctx, self.tripPlanId)
		return err
	})
	return socket, err
}

// join sends the join and waits for it to come back sequenced.
// Sequenced envelopes that arrive meanwhile are returned to be admitted after the snapshot.
func (self *Session) join(socket Socket) ([]*Envelope, error) {
	join := &Envelope{
		Id:         NewId().String(),
		TripPlanId: self.tripPlanId,
		Payload: &JoinSession{
			MemberId:    self.member.MemberId,
			MemberEmail: self.member.MemberEmail,
		},
	}
	if err := self.sendEnvelope(socket, join); err != nil {
		return nil, err
	}

	joinTimer := time.NewTimer(self.settings.JoinTimeout)
	defer joinTimer.Stop()

	pending := []*Envelope{}
	for {
		select {
		case <-self.ctx.Done():
			return nil, ErrSessionClosed
		case <-self.closeRequest:
			return nil, ErrSessionClosed
		case <-joinTimer.C:
			return nil, ErrJoinTimeout
		case message, ok := <-socket.Receive():
			if !ok {
				return nil, &TransportError{Op: "receive", Err: socketErr(socket)}
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				glog.Infof("[s]%s drop = %s\n", self.tripPlanId, err)
				continue
			}
			if envelope.Counter == 0 {
				continue
			}
			pending = append(pending, envelope)
			if envelope.Id == join.Id {
				self.log("join ack counter=%d", envelope.Counter)
				return pending, nil
			}
		}
	}
}

// resync replaces the document and presence from a fresh snapshot and restarts the
// sequence at the snapshot counter. `cause` is the error that made the session resync.
// After `maxConsecutiveResyncs` snapshots without a successful release the session reconnects.
func (self *Session) resync(pending []*Envelope, cause error) error {
	for {
		if maxConsecutiveResyncs <= self.resyncCount {
			return fmt.Errorf("%w after %d snapshots: %w", errResyncLimit, self.resyncCount, cause)
		}
		self.resyncCount += 1
		err := self.loadSnapshot(pending)
		if err == nil || !isResyncError(err) {
			return err
		}
		glog.Infof("[s]%s resync after snapshot = %s\n", self.tripPlanId, err)
		pending = nil
		cause = err
	}
}

func (self *Session) loadSnapshot(pending []*Envelope) error {
	self.enterConnecting()

	fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.SnapshotTimeout)
	defer fetchCancel()
	go func() {
		select {
		case <-self.closeRequest:
			fetchCancel()
		case <-fetchCtx.Done():
		}
	}()
	snapshot, err := self.snapshots.FetchSnapshot(fetchCtx, self.tripPlanId)
	switch {
	case self.ctx.Err() != nil:
		return ErrSessionClosed
	case self.isClosing():
		// the snapshot is not installed, the session leaves from connecting
		return errCloseRequested
	case err != nil:
		return &TransportError{Op: "snapshot", Err: err}
	}

	document := NewDocument()
	if snapshot.Document != nil {
		document = snapshot.Document.Clone()
	}
	self.buffer.Reset(snapshot.Counter)
	self.stateLock.Lock()
	self.document = document
	self.counter = snapshot.Counter
	self.stateLock.Unlock()
	self.presence.Reset(snapshot.Members)
	self.log("snapshot counter=%d members=%d", snapshot.Counter, len(snapshot.Members))
	self.notifyChange(Change{
		Counter: snapshot.Counter,
	})

	for _, envelope := range pending {
		self.buffer.Admit(envelope)
	}
	self.setState(SessionJoined)
	return self.release()
}

func (self *Session) serve(socket Socket) error {
	keepalive := time.NewTicker(self.settings.KeepaliveInterval)
	defer keepalive.Stop()

	gapTimer := time.NewTimer(self.settings.ReorderSettings.GapTimeout)
	gapTimer.Stop()
	defer gapTimer.Stop()
	resetGapTimer := func() {
		if !gapTimer.Stop() {
			select {
			case <-gapTimer.C:
			default:
			}
		}
		if deadline, ok := self.buffer.GapDeadline(); ok {
			gapTimer.Reset(time.Until(deadline))
		}
	}
	resetGapTimer()

	for {
		select {
		case <-self.ctx.Done():
			return ErrSessionClosed
		case <-self.closeRequest:
			return self.leave(socket)
		case message, ok := <-socket.Receive():
			if !ok {
				return &TransportError{Op: "receive", Err: socketErr(socket)}
			}
			if err := self.receive(message); err != nil {
				if !isResyncError(err) {
					return err
				}
				glog.Infof("[s]%s resync = %s\n", self.tripPlanId, err)
				if err := self.resync(nil, err); err != nil {
					if errors.Is(err, errCloseRequested) {
						return self.leave(socket)
					}
					return err
				}
			}
			resetGapTimer()
		case <-gapTimer.C:
			if self.buffer.GapExpired(time.Now()) {
				glog.Infof("[s]%s resync = %s (missing %v)\n", self.tripPlanId, ErrGapTimeout, self.buffer.MissingCounters())
				if err := self.resync(nil, ErrGapTimeout); err != nil {
					if errors.Is(err, errCloseRequested) {
						return self.leave(socket)
					}
					return err
				}
			}
			resetGapTimer()
		case <-keepalive.C:
			ping := &Envelope{
				Id:         NewId().String(),
				TripPlanId: self.tripPlanId,
				Payload:    &Ping{},
			}
			if err := self.sendEnvelope(socket, ping); err != nil {
				return err
			}
		}
	}
}

func (self *Session) receive(message []byte) error {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[s]%s drop = %s\n", self.tripPlanId, err)
		return nil
	}
	if envelope.Counter == 0 {
		// out of band keepalive
		return nil
	}
	if !self.buffer.Admit(envelope) {
		self.envelopeLog("discard %s", envelope)
		return nil
	}
	self.envelopeLog("admit %s", envelope)
	return self.release()
}

func (self *Session) release() error {
	for envelope := range self.buffer.Drain() {
		if err := self.dispatch(envelope); err != nil {
			return err
		}
		self.resyncCount = 0
	}
	// duplicate slots advance the sequence without a dispatch
	self.stateLock.Lock()
	self.counter = max(self.counter, self.buffer.LastReleased())
	self.stateLock.Unlock()
	return nil
}

func (self *Session) dispatch(envelope *Envelope) error {
	switch v := envelope.Payload.(type) {
	case *UpdateTrip:
		self.stateLock.Lock()
		err := ApplyPatch(self.document, v.Ops)
		self.stateLock.Unlock()
		if err != nil {
			return fmt.Errorf("release %s: %w", envelope, err)
		}
	case *JoinSession:
		self.presence.OnJoin(v.MemberId, v.MemberEmail)
	case *LeaveSession:
		self.presence.OnLeave(v.MemberId, v.MemberEmail)
	case *Ping:
	}

	self.stateLock.Lock()
	self.counter = envelope.Counter
	self.stateLock.Unlock()
	self.envelopeLog("release %s", envelope)

	self.notifyChange(Change{
		Counter:  envelope.Counter,
		Envelope: envelope,
	})
	return nil
}

// leave sends the leave best effort and waits for its echo or the leave timeout.
// Envelopes still buffered are discarded.
func (self *Session) leave(socket Socket) error {
	self.setState(SessionClosing)

	leave := &Envelope{
		Id:         NewId().String(),
		TripPlanId: self.tripPlanId,
		Payload: &LeaveSession{
			MemberId:    self.member.MemberId,
			MemberEmail: self.member.MemberEmail,
		},
	}
	if err := self.sendEnvelope(socket, leave); err != nil {
		self.log("leave send error = %s", err)
		return ErrSessionClosed
	}

	leaveTimer := time.NewTimer(self.settings.LeaveTimeout)
	defer leaveTimer.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return ErrSessionClosed
		case <-leaveTimer.C:
			glog.Infof("[s]%s leave timeout\n", self.tripPlanId)
			return ErrSessionClosed
		case message, ok := <-socket.Receive():
			if !ok {
				return ErrSessionClosed
			}
			if envelope, err := DecodeEnvelope(message); err == nil && envelope.Id == leave.Id {
				self.log("leave ack counter=%d", envelope.Counter)
				return ErrSessionClosed
			}
		}
	}
}

func (self *Session) sendEnvelope(socket Socket, envelope *Envelope) error {
	b, err := EncodeOutbound(envelope)
	if err != nil {
		return err
	}
	sendCtx, sendCancel := context.WithTimeout(self.ctx, self.settings.SendTimeout)
	defer sendCancel()
	if err := socket.Send(sendCtx, b); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	self.envelopeLog("send %s", envelope)
	return nil
}

// entering connecting always clears presence, since membership is unknown until replayed
func (self *Session) enterConnecting() {
	self.presence.Reset(nil)
	self.setState(SessionConnecting)
}

func (self *Session) setState(state SessionState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if !changed {
		return
	}
	self.log("state %s", state)
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *Session) notifyChange(change Change) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(change)
		})
	}
}

func (self *Session) setSocket(socket Socket) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.socket = socket
}

func (self *Session) setErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.err = err
}

func (self *Session) isClosing() bool {
	select {
	case <-self.closeRequest:
		return true
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func socketErr(socket Socket) error {
	if err := socket.Err(); err != nil {
		return err
	}
	return ErrSocketClosed
}
