package tripsync

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshot is the full trip document as of `Counter`, with the members joined at that counter.
type Snapshot struct {
	TripPlanId string
	Counter    uint64
	Document   *Document
	// member id -> member email
	Members map[string]string
}

type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, tripPlanId string) (*Snapshot, error)
}

// counters travel as proto doubles, exact up to 2^53
const maxSnapshotCounter = uint64(1) << 53

// EncodeSnapshot writes the snapshot as a protobuf `google.protobuf.Struct`
// with fields `tripPlanID`, `counter`, `document` and `members`.
func EncodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	if maxSnapshotCounter < snapshot.Counter {
		return nil, fmt.Errorf("encode snapshot: counter %d exceeds %d", snapshot.Counter, maxSnapshotCounter)
	}
	members := map[string]any{}
	for memberId, memberEmail := range snapshot.Members {
		members[memberId] = memberEmail
	}
	document := map[string]any{}
	if snapshot.Document != nil {
		document = snapshot.Document.Map()
	}
	s, err := structpb.NewStruct(map[string]any{
		"tripPlanID": snapshot.TripPlanId,
		"counter":    float64(snapshot.Counter),
		"document":   document,
		"members":    members,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return proto.Marshal(s)
}

func DecodeSnapshot(b []byte) (*Snapshot, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	fields := s.AsMap()

	tripPlanId, ok := fields["tripPlanID"].(string)
	if !ok || tripPlanId == "" {
		return nil, fmt.Errorf("decode snapshot: missing tripPlanID")
	}
	counterValue, ok := fields["counter"].(float64)
	if !ok || counterValue < 0 || counterValue != math.Trunc(counterValue) || float64(maxSnapshotCounter) < counterValue {
		return nil, fmt.Errorf("decode snapshot: invalid counter %v", fields["counter"])
	}
	document, ok := fields["document"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode snapshot: missing document")
	}
	members := map[string]string{}
	if memberFields, ok := fields["members"].(map[string]any); ok {
		for memberId, memberEmail := range memberFields {
			email, ok := memberEmail.(string)
			if !ok {
				return nil, fmt.Errorf("decode snapshot: invalid email for member %s", memberId)
			}
			members[memberId] = email
		}
	}

	return &Snapshot{
		TripPlanId: tripPlanId,
		Counter:    uint64(counterValue),
		Document:   &Document{root: document},
		Members:    members,
	}, nil
}
