package tripsync

import (
	"encoding/json"
	"fmt"
)

type OpType string

const (
	OpTypeJoinSession  OpType = "SyncOpJoinSession"
	OpTypeLeaveSession OpType = "SyncOpLeaveSession"
	OpTypePing         OpType = "SyncOpPing"
	OpTypeUpdateTrip   OpType = "SyncOpUpdateTrip"
)

// Payload is one of `*JoinSession`, `*LeaveSession`, `*Ping`, `*UpdateTrip`.
// The set is closed, so an envelope carries exactly one payload variant.
type Payload interface {
	OpType() OpType
	isPayload()
}

type JoinSession struct {
	MemberId    string `json:"memberID"`
	MemberEmail string `json:"memberEmail"`
}

func (self *JoinSession) OpType() OpType { return OpTypeJoinSession }
func (self *JoinSession) isPayload()     {}

type LeaveSession struct {
	MemberId    string `json:"memberID"`
	MemberEmail string `json:"memberEmail"`
}

func (self *LeaveSession) OpType() OpType { return OpTypeLeaveSession }
func (self *LeaveSession) isPayload()     {}

type Ping struct{}

func (self *Ping) OpType() OpType { return OpTypePing }
func (self *Ping) isPayload()     {}

type UpdateTrip struct {
	Ops []PatchOperation `json:"ops"`
}

func (self *UpdateTrip) OpType() OpType { return OpTypeUpdateTrip }
func (self *UpdateTrip) isPayload()     {}

type Envelope struct {
	Id string
	// assigned by the sequencer. 0 means unsequenced.
	Counter    uint64
	TripPlanId string
	Payload    Payload
}

func (self *Envelope) OpType() OpType {
	if self.Payload == nil {
		return ""
	}
	return self.Payload.OpType()
}

func (self *Envelope) String() string {
	return fmt.Sprintf("%s(%s %d %s)", self.OpType(), self.TripPlanId, self.Counter, self.Id)
}

// wire form, field names are fixed by the protocol
type wireEnvelope struct {
	Id           string        `json:"id"`
	Counter      uint64        `json:"counter,omitempty"`
	TripPlanId   string        `json:"tripPlanID"`
	OpType       OpType        `json:"opType"`
	JoinSession  *JoinSession  `json:"syncDataJoinSession,omitempty"`
	LeaveSession *LeaveSession `json:"syncDataLeaveSession,omitempty"`
	Ping         *Ping         `json:"syncDataPing,omitempty"`
	UpdateTrip   *UpdateTrip   `json:"syncDataUpdateTrip,omitempty"`
}

type DecodeError struct {
	Reason string
	Err    error
}

func (self *DecodeError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %s", self.Reason, self.Err)
	}
	return fmt.Sprintf("decode envelope: %s", self.Reason)
}

func (self *DecodeError) Unwrap() error {
	return self.Err
}

func toWire(envelope *Envelope, withCounter bool) (*wireEnvelope, error) {
	if envelope.TripPlanId == "" {
		return nil, fmt.Errorf("encode envelope %s: empty trip plan id", envelope.Id)
	}
	w := &wireEnvelope{
		Id:         envelope.Id,
		TripPlanId: envelope.TripPlanId,
	}
	if withCounter {
		w.Counter = envelope.Counter
	}
	switch v := envelope.Payload.(type) {
	case *JoinSession:
		w.JoinSession = v
	case *LeaveSession:
		w.LeaveSession = v
	case *Ping:
		w.Ping = v
	case *UpdateTrip:
		for i, op := range v.Ops {
			if err := validatePatchOperation(op); err != nil {
				return nil, fmt.Errorf("encode envelope %s: op %d: %w", envelope.Id, i, err)
			}
		}
		w.UpdateTrip = v
	default:
		return nil, fmt.Errorf("encode envelope %s: unknown payload type %T", envelope.Id, v)
	}
	w.OpType = envelope.Payload.OpType()
	return w, nil
}

// EncodeEnvelope writes the envelope including its counter. Used by the sequencer.
func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	w, err := toWire(envelope, true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// EncodeOutbound writes a client-originated envelope. The counter is never sent,
// since only the sequencer assigns counters.
func EncodeOutbound(envelope *Envelope) ([]byte, error) {
	w, err := toWire(envelope, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	w := &wireEnvelope{}
	if err := json.Unmarshal(b, w); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if w.TripPlanId == "" {
		return nil, &DecodeError{Reason: "empty tripPlanID"}
	}

	populated := 0
	for _, present := range []bool{
		w.JoinSession != nil,
		w.LeaveSession != nil,
		w.Ping != nil,
		w.UpdateTrip != nil,
	} {
		if present {
			populated += 1
		}
	}
	if populated != 1 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d payloads populated for %s", populated, w.OpType)}
	}

	var payload Payload
	switch w.OpType {
	case OpTypeJoinSession:
		if w.JoinSession != nil {
			payload = w.JoinSession
		}
	case OpTypeLeaveSession:
		if w.LeaveSession != nil {
			payload = w.LeaveSession
		}
	case OpTypePing:
		if w.Ping != nil {
			payload = w.Ping
		}
	case OpTypeUpdateTrip:
		if w.UpdateTrip != nil {
			for i, op := range w.UpdateTrip.Ops {
				if err := validatePatchOperation(op); err != nil {
					return nil, &DecodeError{Reason: fmt.Sprintf("op %d", i), Err: err}
				}
			}
			payload = w.UpdateTrip
		}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown opType %q", w.OpType)}
	}
	if payload == nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload does not match opType %s", w.OpType)}
	}

	return &Envelope{
		Id:         w.Id,
		Counter:    w.Counter,
		TripPlanId: w.TripPlanId,
		Payload:    payload,
	}, nil
}
