package tripsync

import (
	mathrand "math/rand"
	"slices"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testUpdate(tripPlanId string, counter uint64) *Envelope {
	return &Envelope{
		Id:         NewId().String(),
		Counter:    counter,
		TripPlanId: tripPlanId,
		Payload: &UpdateTrip{
			Ops: []PatchOperation{
				Replace("/counter", float64(counter)),
			},
		},
	}
}

func drainCounters(buffer *ReorderBuffer) []uint64 {
	counters := []uint64{}
	for envelope := range buffer.Drain() {
		counters = append(counters, envelope.Counter)
	}
	return counters
}

func TestReorderBufferInOrder(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)

	for i := uint64(1); i <= 5; i += 1 {
		assert.Equal(t, buffer.Admit(testUpdate("trip-1", i)), true)
		assert.Equal(t, drainCounters(buffer), []uint64{i})
		assert.Equal(t, buffer.LastReleased(), i)
	}
	assert.Equal(t, buffer.Pending(), 0)
}

func TestReorderBufferOutOfOrder(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 3)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{})
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 1)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{1})
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 2)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{2, 3})
	assert.Equal(t, buffer.LastReleased(), uint64(3))
	assert.Equal(t, buffer.Pending(), 0)
}

func TestReorderBufferPermutations(t *testing.T) {
	// every arrival order releases 1..n exactly once, in order
	n := 64
	for range 32 {
		counters := []uint64{}
		for i := 1; i <= n; i += 1 {
			counters = append(counters, uint64(i))
		}
		mathrand.Shuffle(len(counters), func(i, j int) {
			counters[i], counters[j] = counters[j], counters[i]
		})

		buffer := NewReorderBufferWithDefaults("trip-1", 0)
		released := []uint64{}
		for _, counter := range counters {
			buffer.Admit(testUpdate("trip-1", counter))
			released = append(released, drainCounters(buffer)...)
		}

		expected := slices.Clone(counters)
		slices.Sort(expected)
		assert.Equal(t, released, expected)
		assert.Equal(t, buffer.Pending(), 0)
	}
}

func TestReorderBufferDuplicates(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)

	one := testUpdate("trip-1", 1)
	assert.Equal(t, buffer.Admit(one), true)
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 1)), false)
	assert.Equal(t, drainCounters(buffer), []uint64{1})

	// already released
	assert.Equal(t, buffer.Admit(one), false)
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 1)), false)

	// the same id with a new counter holds the counter but is not released again
	three := testUpdate("trip-1", 3)
	assert.Equal(t, buffer.Admit(three), true)
	duplicate := *three
	duplicate.Counter = 4
	assert.Equal(t, buffer.Admit(&duplicate), true)

	releasedDuplicate := *one
	releasedDuplicate.Counter = 5
	assert.Equal(t, buffer.Admit(&releasedDuplicate), true)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 2)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{2, 3})
	assert.Equal(t, buffer.LastReleased(), uint64(5))
	assert.Equal(t, buffer.Pending(), 0)
	_, ok := buffer.GapDeadline()
	assert.Equal(t, ok, false)

	// the original id is still remembered
	again := *three
	again.Counter = 6
	assert.Equal(t, buffer.Admit(&again), true)
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 7)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{7})
	assert.Equal(t, buffer.LastReleased(), uint64(7))
}

func TestReorderBufferDuplicateBeforeOriginal(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)

	// the redelivery at 3 is queued before the original at 2 is released
	two := testUpdate("trip-1", 2)
	assert.Equal(t, buffer.Admit(two), true)
	redelivered := *two
	redelivered.Counter = 3
	assert.Equal(t, buffer.Admit(&redelivered), true)
	assert.Equal(t, buffer.Pending(), 2)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 1)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{1, 2})
	assert.Equal(t, buffer.LastReleased(), uint64(3))
	assert.Equal(t, buffer.Pending(), 0)
}

func TestReorderBufferDiscards(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 10)

	// unsequenced
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 0)), false)
	// another trip plan
	assert.Equal(t, buffer.Admit(testUpdate("trip-2", 11)), false)
	// at or before the baseline
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 10)), false)
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 3)), false)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 11)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{11})
}

func TestReorderBufferPingConsumesCounter(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 2)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{})
	assert.Equal(t, buffer.Admit(&Envelope{
		Id:         NewId().String(),
		Counter:    1,
		TripPlanId: "trip-1",
		Payload:    &Ping{},
	}), true)
	assert.Equal(t, drainCounters(buffer), []uint64{1, 2})
}

func TestReorderBufferDrainStopsEarly(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)
	for i := uint64(1); i <= 3; i += 1 {
		buffer.Admit(testUpdate("trip-1", i))
	}

	for envelope := range buffer.Drain() {
		assert.Equal(t, envelope.Counter, uint64(1))
		break
	}
	// a released counter is never released again
	assert.Equal(t, buffer.LastReleased(), uint64(1))
	assert.Equal(t, drainCounters(buffer), []uint64{2, 3})
}

func TestReorderBufferGap(t *testing.T) {
	settings := DefaultReorderSettings()
	settings.GapTimeout = 10 * time.Second
	buffer := NewReorderBuffer("trip-1", 0, settings)

	now := time.Unix(1000, 0)
	buffer.now = func() time.Time {
		return now
	}

	_, ok := buffer.GapDeadline()
	assert.Equal(t, ok, false)

	buffer.Admit(testUpdate("trip-1", 3))
	deadline, ok := buffer.GapDeadline()
	assert.Equal(t, ok, true)
	assert.Equal(t, deadline, now.Add(10*time.Second))
	assert.Equal(t, buffer.MissingCounters(), []uint64{1, 2})

	// a later arrival does not move the deadline
	now = now.Add(5 * time.Second)
	buffer.Admit(testUpdate("trip-1", 5))
	deadline2, _ := buffer.GapDeadline()
	assert.Equal(t, deadline2, deadline)
	assert.Equal(t, buffer.MissingCounters(), []uint64{1, 2, 4})

	assert.Equal(t, buffer.GapExpired(now), false)
	assert.Equal(t, buffer.GapExpired(deadline), true)

	// filling part of the gap starts a new gap
	now = now.Add(1 * time.Second)
	buffer.Admit(testUpdate("trip-1", 1))
	buffer.Admit(testUpdate("trip-1", 2))
	assert.Equal(t, drainCounters(buffer), []uint64{1, 2, 3})
	deadline3, ok := buffer.GapDeadline()
	assert.Equal(t, ok, true)
	assert.Equal(t, deadline3, now.Add(10*time.Second))
	assert.Equal(t, buffer.MissingCounters(), []uint64{4})

	buffer.Admit(testUpdate("trip-1", 4))
	assert.Equal(t, drainCounters(buffer), []uint64{4, 5})
	_, ok = buffer.GapDeadline()
	assert.Equal(t, ok, false)
	assert.Equal(t, buffer.MissingCounters(), []uint64{})
}

func TestReorderBufferReset(t *testing.T) {
	buffer := NewReorderBufferWithDefaults("trip-1", 0)
	one := testUpdate("trip-1", 1)
	buffer.Admit(one)
	drainCounters(buffer)
	buffer.Admit(testUpdate("trip-1", 3))
	buffer.Admit(testUpdate("trip-1", 4))

	buffer.Reset(7)
	assert.Equal(t, buffer.Pending(), 0)
	assert.Equal(t, buffer.LastReleased(), uint64(7))
	_, ok := buffer.GapDeadline()
	assert.Equal(t, ok, false)

	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 4)), false)
	assert.Equal(t, buffer.Admit(testUpdate("trip-1", 8)), true)
	assert.Equal(t, drainCounters(buffer), []uint64{8})
}

func TestReorderBufferReleasedIdWindow(t *testing.T) {
	settings := DefaultReorderSettings()
	settings.ReleasedIdWindow = 2
	buffer := NewReorderBuffer("trip-1", 0, settings)

	envelopes := []*Envelope{}
	for i := uint64(1); i <= 3; i += 1 {
		envelope := testUpdate("trip-1", i)
		envelopes = append(envelopes, envelope)
		buffer.Admit(envelope)
	}
	drainCounters(buffer)
	assert.Equal(t, len(buffer.releasedIds), 2)

	// the oldest id is forgotten, the newer are still duplicates
	forgotten := *envelopes[0]
	forgotten.Counter = 4
	assert.Equal(t, buffer.Admit(&forgotten), true)

	remembered := *envelopes[2]
	remembered.Counter = 5
	assert.Equal(t, buffer.Admit(&remembered), true)
	assert.Equal(t, drainCounters(buffer), []uint64{4})
	assert.Equal(t, buffer.LastReleased(), uint64(5))
}
