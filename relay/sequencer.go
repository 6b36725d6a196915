package relay

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/tripplan/tripsync/tripsync"
)

// Sequencer assigns the authoritative counter order for each trip plan.
type Sequencer interface {
	// Sequence assigns the next counter to the envelope and publishes it to all subscribers.
	// Returns the sequenced copy.
	Sequence(ctx context.Context, envelope *tripsync.Envelope) (*tripsync.Envelope, error)
	// Snapshot folds the sequenced log into a document with the members joined at its counter.
	Snapshot(ctx context.Context, tripPlanId string) (*tripsync.Snapshot, error)
	// Subscribe receives every envelope sequenced after the call returns, in publish order.
	// The channel is closed when ctx is done, or when the subscriber falls behind. Envelopes are
	// never skipped on an open channel.
	Subscribe(ctx context.Context, tripPlanId string) (<-chan *tripsync.Envelope, error)
}

// foldEnvelope applies one sequenced envelope to the authoritative state.
// An update that does not apply is skipped, so the document stays the state every client
// converges to after it fails the same update and resyncs.
func foldEnvelope(document *tripsync.Document, members map[string]string, envelope *tripsync.Envelope) {
	switch v := envelope.Payload.(type) {
	case *tripsync.UpdateTrip:
		if err := tripsync.ApplyPatch(document, v.Ops); err != nil {
			glog.Infof("[seq]%s skip update %d = %s\n", envelope.TripPlanId, envelope.Counter, err)
		}
	case *tripsync.JoinSession:
		members[v.MemberId] = v.MemberEmail
	case *tripsync.LeaveSession:
		delete(members, v.MemberId)
	}
}

func sequencedCopy(envelope *tripsync.Envelope, counter uint64) *tripsync.Envelope {
	return &tripsync.Envelope{
		Id:         envelope.Id,
		Counter:    counter,
		TripPlanId: envelope.TripPlanId,
		Payload:    envelope.Payload,
	}
}

type MemorySequencerSettings struct {
	// a subscriber that falls this far behind is closed. Its client reconnects and resyncs.
	SubscriberBufferSize int
}

func DefaultMemorySequencerSettings() *MemorySequencerSettings {
	return &MemorySequencerSettings{
		SubscriberBufferSize: 64,
	}
}

type memoryTrip struct {
	counter     uint64
	document    *tripsync.Document
	members     map[string]string
	subscribers map[chan *tripsync.Envelope]bool
}

// MemorySequencer keeps each trip plan in process. Used for development and tests.
type MemorySequencer struct {
	settings *MemorySequencerSettings

	stateLock sync.Mutex
	trips     map[string]*memoryTrip
}

func NewMemorySequencerWithDefaults() *MemorySequencer {
	return NewMemorySequencer(DefaultMemorySequencerSettings())
}

func NewMemorySequencer(settings *MemorySequencerSettings) *MemorySequencer {
	return &MemorySequencer{
		settings: settings,
		trips:    map[string]*memoryTrip{},
	}
}

// must be called with the state lock
func (self *MemorySequencer) trip(tripPlanId string) *memoryTrip {
	trip, ok := self.trips[tripPlanId]
	if !ok {
		trip = &memoryTrip{
			document:    tripsync.NewDocument(),
			members:     map[string]string{},
			subscribers: map[chan *tripsync.Envelope]bool{},
		}
		self.trips[tripPlanId] = trip
	}
	return trip
}

func (self *MemorySequencer) Sequence(ctx context.Context, envelope *tripsync.Envelope) (*tripsync.Envelope, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	trip := self.trip(envelope.TripPlanId)
	trip.counter += 1
	sequenced := sequencedCopy(envelope, trip.counter)
	foldEnvelope(trip.document, trip.members, sequenced)

	for subscriber := range trip.subscribers {
		select {
		case subscriber <- sequenced:
		default:
			// a missed envelope would leave the client stale until the next one
			glog.Infof("[seq]%s subscriber full at %d, close\n", sequenced.TripPlanId, sequenced.Counter)
			delete(trip.subscribers, subscriber)
			close(subscriber)
		}
	}
	return sequenced, nil
}

func (self *MemorySequencer) Snapshot(ctx context.Context, tripPlanId string) (*tripsync.Snapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	trip := self.trip(tripPlanId)
	return &tripsync.Snapshot{
		TripPlanId: tripPlanId,
		Counter:    trip.counter,
		Document:   trip.document.Clone(),
		Members:    maps.Clone(trip.members),
	}, nil
}

func (self *MemorySequencer) Subscribe(ctx context.Context, tripPlanId string) (<-chan *tripsync.Envelope, error) {
	subscriber := make(chan *tripsync.Envelope, self.settings.SubscriberBufferSize)

	self.stateLock.Lock()
	self.trip(tripPlanId).subscribers[subscriber] = true
	self.stateLock.Unlock()

	go func() {
		<-ctx.Done()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscribers := self.trip(tripPlanId).subscribers
		if subscribers[subscriber] {
			delete(subscribers, subscriber)
			close(subscriber)
		}
	}()
	return subscriber, nil
}

var _ Sequencer = (*MemorySequencer)(nil)
