package tripsync

import (
	"container/heap"
	"time"
)

type reorderItem struct {
	envelope    *Envelope
	receiveTime time.Time
	// a redelivered id under a new counter. The counter is consumed without releasing the envelope.
	duplicate bool

	// the index of the item in the heap
	heapIndex int
}

// min heap ordered by counter, with id and counter indexes for duplicate detection
// not safe for concurrent use. The owning reorder buffer is driven by one session goroutine.
type reorderQueue struct {
	orderedItems []*reorderItem
	// id -> item
	idItems      map[string]*reorderItem
	counterItems map[uint64]*reorderItem
}

func newReorderQueue() *reorderQueue {
	reorderQueue := &reorderQueue{
		orderedItems: []*reorderItem{},
		idItems:      map[string]*reorderItem{},
		counterItems: map[uint64]*reorderItem{},
	}
	heap.Init(reorderQueue)
	return reorderQueue
}

func (self *reorderQueue) QueueSize() int {
	return len(self.orderedItems)
}

func (self *reorderQueue) Add(item *reorderItem) {
	if item.envelope.Id != "" && !item.duplicate {
		self.idItems[item.envelope.Id] = item
	}
	self.counterItems[item.envelope.Counter] = item
	heap.Push(self, item)
}

func (self *reorderQueue) ContainsId(id string) bool {
	_, ok := self.idItems[id]
	return ok
}

func (self *reorderQueue) ContainsCounter(counter uint64) bool {
	_, ok := self.counterItems[counter]
	return ok
}

func (self *reorderQueue) GetByCounter(counter uint64) *reorderItem {
	return self.counterItems[counter]
}

func (self *reorderQueue) PeekFirst() *reorderItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *reorderQueue) RemoveFirst() *reorderItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*reorderItem)
	if item.envelope.Id != "" && !item.duplicate {
		delete(self.idItems, item.envelope.Id)
	}
	delete(self.counterItems, item.envelope.Counter)
	return item
}

func (self *reorderQueue) Clear() {
	self.orderedItems = []*reorderItem{}
	self.idItems = map[string]*reorderItem{}
	self.counterItems = map[uint64]*reorderItem{}
}

// heap.Interface

func (self *reorderQueue) Push(x any) {
	item := x.(*reorderItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *reorderQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *reorderQueue) Len() int {
	return len(self.orderedItems)
}

func (self *reorderQueue) Less(i int, j int) bool {
	return self.orderedItems[i].envelope.Counter < self.orderedItems[j].envelope.Counter
}

func (self *reorderQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
