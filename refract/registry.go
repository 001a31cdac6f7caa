package refract

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Registry tracks which live sessions are attached to which project. It is
// the authority the broker consults at fan out time, so membership changes
// between enqueue and dequeue are honored.
type Registry struct {
	stateLock sync.Mutex

	members map[int]map[Id]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		members: map[int]map[Id]*Session{},
	}
}

func (self *Registry) Attach(lpid int, session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	memberSet, ok := self.members[lpid]
	if !ok {
		memberSet = map[Id]*Session{}
		self.members[lpid] = memberSet
	}
	memberSet[session.Id()] = session
}

func (self *Registry) Detach(lpid int, session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	memberSet, ok := self.members[lpid]
	if !ok {
		return
	}
	delete(memberSet, session.Id())
	if len(memberSet) == 0 {
		delete(self.members, lpid)
	}
}

// Members returns a snapshot copy so the caller can iterate without the lock.
func (self *Registry) Members(lpid int) []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.members[lpid])
}

func (self *Registry) Count(lpid int) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.members[lpid])
}

func (self *Registry) AllSessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sessions := []*Session{}
	seen := map[Id]bool{}
	for _, memberSet := range self.members {
		for id, session := range memberSet {
			if !seen[id] {
				seen[id] = true
				sessions = append(sessions, session)
			}
		}
	}
	return sessions
}
