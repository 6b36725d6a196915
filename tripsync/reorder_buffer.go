package tripsync

import (
	"iter"
	"time"
)

type ReorderSettings struct {
	// how long a missing counter is waited for before the session resyncs
	GapTimeout time.Duration
	// number of released ids remembered for duplicate detection
	ReleasedIdWindow int
}

func DefaultReorderSettings() *ReorderSettings {
	return &ReorderSettings{
		GapTimeout:       10 * time.Second,
		ReleasedIdWindow: 1024,
	}
}

// ReorderBuffer restores the sequencer's counter order for one trip plan.
// Envelopes are admitted in any order and released in strictly increasing counter order,
// each counter at most once.
// not safe for concurrent use
type ReorderBuffer struct {
	tripPlanId string
	settings   *ReorderSettings

	queue        *reorderQueue
	lastReleased uint64

	// bounded memory of released ids, oldest first
	releasedIds     map[string]bool
	releasedIdOrder []string

	// when the current gap was first observed. zero when there is no gap.
	gapStartTime time.Time

	now func() time.Time
}

func NewReorderBufferWithDefaults(tripPlanId string, baseline uint64) *ReorderBuffer {
	return NewReorderBuffer(tripPlanId, baseline, DefaultReorderSettings())
}

func NewReorderBuffer(tripPlanId string, baseline uint64, settings *ReorderSettings) *ReorderBuffer {
	return &ReorderBuffer{
		tripPlanId:   tripPlanId,
		settings:     settings,
		queue:        newReorderQueue(),
		lastReleased: baseline,
		releasedIds:  map[string]bool{},
		now:          time.Now,
	}
}

func (self *ReorderBuffer) LastReleased() uint64 {
	return self.lastReleased
}

func (self *ReorderBuffer) Pending() int {
	return self.queue.QueueSize()
}

// Admit queues a sequenced envelope. Returns false when the envelope was discarded:
// unsequenced, for another trip plan, already released, or a duplicate counter.
// An id that was already seen under another counter holds its counter as a no-op,
// so the sequence continues past it without releasing the envelope twice.
func (self *ReorderBuffer) Admit(envelope *Envelope) bool {
	if envelope.Counter == 0 {
		return false
	}
	if envelope.TripPlanId != self.tripPlanId {
		return false
	}
	if envelope.Counter <= self.lastReleased {
		return false
	}
	if self.queue.ContainsCounter(envelope.Counter) {
		return false
	}

	duplicate := envelope.Id != "" && (self.releasedIds[envelope.Id] || self.queue.ContainsId(envelope.Id))
	self.queue.Add(&reorderItem{
		envelope:    envelope,
		receiveTime: self.now(),
		duplicate:   duplicate,
	})
	self.updateGap()
	return true
}

// Drain lazily releases envelopes while the head of the queue is the next counter.
// The sequence ends at the first gap. Duplicate slots advance `LastReleased` without being yielded. An envelope is released (and `LastReleased` advanced)
// before it is yielded, so stopping early never releases a counter twice.
func (self *ReorderBuffer) Drain() iter.Seq[*Envelope] {
	return func(yield func(*Envelope) bool) {
		defer self.updateGap()
		for {
			first := self.queue.PeekFirst()
			if first == nil || first.envelope.Counter != self.lastReleased+1 {
				return
			}
			self.queue.RemoveFirst()
			self.lastReleased = first.envelope.Counter
			if first.duplicate {
				continue
			}
			self.rememberReleased(first.envelope.Id)
			if !yield(first.envelope) {
				return
			}
		}
	}
}

// GapDeadline is when the current gap times out. false if there is no gap.
func (self *ReorderBuffer) GapDeadline() (time.Time, bool) {
	if self.gapStartTime.IsZero() {
		return time.Time{}, false
	}
	return self.gapStartTime.Add(self.settings.GapTimeout), true
}

func (self *ReorderBuffer) GapExpired(now time.Time) bool {
	deadline, ok := self.GapDeadline()
	return ok && !now.Before(deadline)
}

// MissingCounters lists the counters the buffer is waiting for, up to the highest pending counter.
func (self *ReorderBuffer) MissingCounters() []uint64 {
	missing := []uint64{}
	if self.queue.QueueSize() == 0 {
		return missing
	}
	var maxCounter uint64
	for counter := range self.queue.counterItems {
		if maxCounter < counter {
			maxCounter = counter
		}
	}
	for counter := self.lastReleased + 1; counter < maxCounter; counter += 1 {
		if !self.queue.ContainsCounter(counter) {
			missing = append(missing, counter)
		}
	}
	return missing
}

// Reset discards all buffered state and restarts the sequence after `baseline`.
func (self *ReorderBuffer) Reset(baseline uint64) {
	self.queue.Clear()
	self.lastReleased = baseline
	self.releasedIds = map[string]bool{}
	self.releasedIdOrder = nil
	self.gapStartTime = time.Time{}
}

func (self *ReorderBuffer) updateGap() {
	first := self.queue.PeekFirst()
	if first == nil || first.envelope.Counter == self.lastReleased+1 {
		self.gapStartTime = time.Time{}
		return
	}
	if self.gapStartTime.IsZero() {
		self.gapStartTime = self.now()
	}
}

func (self *ReorderBuffer) rememberReleased(id string) {
	if id == "" || self.settings.ReleasedIdWindow <= 0 {
		return
	}
	self.releasedIds[id] = true
	self.releasedIdOrder = append(self.releasedIdOrder, id)
	for self.settings.ReleasedIdWindow < len(self.releasedIdOrder) {
		delete(self.releasedIds, self.releasedIdOrder[0])
		self.releasedIdOrder = self.releasedIdOrder[1:]
	}
}
