package tripsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSnapshotCodec(t *testing.T) {
	snapshot := &Snapshot{
		TripPlanId: "trip-1",
		Counter:    42,
		Document: NewDocumentFromMap(map[string]any{
			"title": "Lisbon",
			"days": []any{
				map[string]any{"name": "arrival", "budget": float64(120)},
			},
			"booked": true,
			"notes":  nil,
		}),
		Members: map[string]string{
			"m1": "m1@example.com",
		},
	}

	b, err := EncodeSnapshot(snapshot)
	assert.Equal(t, err, nil)

	decoded, err := DecodeSnapshot(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.TripPlanId, "trip-1")
	assert.Equal(t, decoded.Counter, uint64(42))
	assert.Equal(t, decoded.Document.Equal(snapshot.Document), true)
	assert.Equal(t, decoded.Members, snapshot.Members)
}

func TestSnapshotCodecErrors(t *testing.T) {
	_, err := EncodeSnapshot(&Snapshot{
		TripPlanId: "trip-1",
		Counter:    maxSnapshotCounter + 1,
		Document:   NewDocument(),
	})
	assert.NotEqual(t, err, nil)

	_, err = DecodeSnapshot([]byte{0xff, 0xff, 0xff})
	assert.NotEqual(t, err, nil)

	// a snapshot without a trip plan id
	b, err := EncodeSnapshot(&Snapshot{
		TripPlanId: "",
		Document:   NewDocument(),
	})
	assert.Equal(t, err, nil)
	_, err = DecodeSnapshot(b)
	assert.NotEqual(t, err, nil)
}

func TestTripApiFetchSnapshot(t *testing.T) {
	snapshot := &Snapshot{
		TripPlanId: "trip-1",
		Counter:    3,
		Document: NewDocumentFromMap(map[string]any{
			"title": "Lisbon",
		}),
		Members: map[string]string{},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-jwt" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/trips/trip-1/snapshot":
			b, err := EncodeSnapshot(snapshot)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", SnapshotContentType)
			w.Write(b)
		case "/trips/trip-2/snapshot":
			// the wrong trip plan
			b, _ := EncodeSnapshot(snapshot)
			w.Write(b)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ctx := context.Background()

	api := NewTripApiWithDefaults(server.URL, "test-jwt")
	fetched, err := api.FetchSnapshot(ctx, "trip-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, fetched.Counter, uint64(3))
	assert.Equal(t, fetched.Document.Equal(snapshot.Document), true)

	_, err = api.FetchSnapshot(ctx, "trip-2")
	assert.NotEqual(t, err, nil)

	_, err = api.FetchSnapshot(ctx, "trip-3")
	assert.NotEqual(t, err, nil)

	unauthorizedApi := NewTripApiWithDefaults(server.URL, "other-jwt")
	_, err = unauthorizedApi.FetchSnapshot(ctx, "trip-1")
	assert.NotEqual(t, err, nil)
}
