package tripsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Presence is the set of members joined to a trip plan session, member id -> member email.
// The member id is authoritative. Readers may take snapshots from any goroutine.
type Presence struct {
	stateLock sync.Mutex
	members   map[string]string
}

func NewPresence() *Presence {
	return &Presence{
		members: map[string]string{},
	}
}

func (self *Presence) OnJoin(memberId string, memberEmail string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.members[memberId] = memberEmail
}

// the email is not compared
func (self *Presence) OnLeave(memberId string, memberEmail string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.members, memberId)
}

// Reset replaces the set, e.g. with the members replayed in a snapshot. nil empties it.
func (self *Presence) Reset(members map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if members == nil {
		self.members = map[string]string{}
	} else {
		self.members = maps.Clone(members)
	}
}

func (self *Presence) Snapshot() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.members)
}

func (self *Presence) Contains(memberId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.members[memberId]
	return ok
}

func (self *Presence) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.members)
}
