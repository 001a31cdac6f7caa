package refract

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MemoryStore is the volatile backend: a fully conforming store whose
// contents do not survive the process. The first project lpid starts well
// above zero so stale client state from a durable deployment cannot alias a
// volatile project by accident.
const memoryFirstLpid = 500

type MemoryStore struct {
	stateLock sync.Mutex

	nextUid  int
	nextLpid int

	users    map[int]*UserRecord
	projects map[int]*ProjectRecord
	// child lpid -> parent lpid
	forks map[int]int
	gpids map[string]int

	// per project log and id allocator
	logs    map[int][]*UpdateRecord
	nextIds map[int]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextUid:  1,
		nextLpid: memoryFirstLpid,
		users:    map[int]*UserRecord{},
		projects: map[int]*ProjectRecord{},
		forks:    map[int]int{},
		gpids:    map[string]int{},
		logs:     map[int][]*UpdateRecord{},
		nextIds:  map[int]uint64{},
	}
}

func (self *MemoryStore) AddUser(ctx context.Context, name string, credentialHash string, pub uint32, sub uint32) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, user := range self.users {
		if user.Name == name {
			return InvalidUser, fmt.Errorf("user %s already exists", name)
		}
	}
	uid := self.nextUid
	self.nextUid += 1
	self.users[uid] = &UserRecord{
		Uid:            uid,
		Name:           name,
		CredentialHash: credentialHash,
		Pub:            pub,
		Sub:            sub,
	}
	return uid, nil
}

func (self *MemoryStore) UpdateUser(ctx context.Context, uid int, name string, credentialHash string, pub uint32, sub uint32) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[uid]
	if !ok {
		return ErrNotFound
	}
	user.Name = name
	user.CredentialHash = credentialHash
	user.Pub = pub
	user.Sub = sub
	return nil
}

func (self *MemoryStore) UserByName(ctx context.Context, name string) (*UserRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, user := range self.users {
		if user.Name == name {
			userCopy := *user
			return &userCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (self *MemoryStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	uids := maps.Keys(self.users)
	slices.Sort(uids)
	users := make([]*UserRecord, 0, len(uids))
	for _, uid := range uids {
		userCopy := *self.users[uid]
		users = append(users, &userCopy)
	}
	return users, nil
}

func (self *MemoryStore) AddProject(ctx context.Context, record *ProjectRecord) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.gpids[record.Gpid]; ok {
		return -1, ErrGpidCollision
	}
	lpid := self.nextLpid
	self.nextLpid += 1

	stored := *record
	stored.Lpid = lpid
	stored.Protocol = ProtocolVersion
	self.projects[lpid] = &stored
	self.gpids[record.Gpid] = lpid
	self.nextIds[lpid] = 1
	return lpid, nil
}

func (self *MemoryStore) AddFork(ctx context.Context, childLpid int, parentLpid int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.projects[childLpid]; !ok {
		return ErrNotFound
	}
	self.forks[childLpid] = parentLpid
	return nil
}

// fill lineage from the fork table. caller holds stateLock.
func (self *MemoryStore) annotate(record *ProjectRecord) *ProjectRecord {
	recordCopy := *record
	if parentLpid, ok := self.forks[record.Lpid]; ok {
		recordCopy.Parent = parentLpid
		if parent, ok := self.projects[parentLpid]; ok {
			recordCopy.ParentDescription = parent.Description
		}
	}
	return &recordCopy
}

func (self *MemoryStore) Project(ctx context.Context, lpid int) (*ProjectRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.projects[lpid]
	if !ok {
		return nil, ErrNotFound
	}
	return self.annotate(record), nil
}

func (self *MemoryStore) ProjectsByHash(ctx context.Context, hash string) ([]*ProjectRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lpids := maps.Keys(self.projects)
	slices.Sort(lpids)
	records := []*ProjectRecord{}
	for _, lpid := range lpids {
		if self.projects[lpid].Hash == hash {
			records = append(records, self.annotate(self.projects[lpid]))
		}
	}
	return records, nil
}

func (self *MemoryStore) ListProjects(ctx context.Context) ([]*ProjectRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lpids := maps.Keys(self.projects)
	slices.Sort(lpids)
	records := make([]*ProjectRecord, 0, len(lpids))
	for _, lpid := range lpids {
		records = append(records, self.annotate(self.projects[lpid]))
	}
	return records, nil
}

func (self *MemoryStore) DeleteProject(ctx context.Context, lpid int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.projects[lpid]
	if !ok {
		return ErrNotFound
	}
	delete(self.projects, lpid)
	delete(self.gpids, record.Gpid)
	delete(self.forks, lpid)
	delete(self.logs, lpid)
	delete(self.nextIds, lpid)
	return nil
}

func (self *MemoryStore) SetProjectPerms(ctx context.Context, lpid int, pub uint32, sub uint32) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.projects[lpid]
	if !ok {
		return ErrNotFound
	}
	record.Pub = pub
	record.Sub = sub
	return nil
}

func (self *MemoryStore) LpidForGpid(ctx context.Context, gpid string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lpid, ok := self.gpids[gpid]
	if !ok {
		return -1, ErrNotFound
	}
	return lpid, nil
}

func (self *MemoryStore) GpidForLpid(ctx context.Context, lpid int) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.projects[lpid]
	if !ok {
		return "", ErrNotFound
	}
	return record.Gpid, nil
}

func (self *MemoryStore) AppendUpdate(ctx context.Context, owner int, lpid int, command int, payload []byte) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.projects[lpid]; !ok {
		return 0, ErrNotFound
	}
	updateId := self.nextIds[lpid]
	self.nextIds[lpid] = updateId + 1
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	self.logs[lpid] = append(self.logs[lpid], &UpdateRecord{
		UpdateId: updateId,
		Owner:    owner,
		Lpid:     lpid,
		Command:  command,
		Payload:  payloadCopy,
	})
	return updateId, nil
}

func (self *MemoryStore) UpdatesAfter(ctx context.Context, lpid int, afterUpdateId uint64, callback func(*UpdateRecord) error) error {
	self.stateLock.Lock()
	log := make([]*UpdateRecord, len(self.logs[lpid]))
	copy(log, self.logs[lpid])
	self.stateLock.Unlock()

	for _, record := range log {
		if record.UpdateId <= afterUpdateId {
			continue
		}
		if err := callback(record); err != nil {
			return err
		}
	}
	return nil
}

func (self *MemoryStore) CopyUpdates(ctx context.Context, sourceLpid int, upToUpdateId uint64, destinationLpid int) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.projects[destinationLpid]; !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, record := range self.logs[sourceLpid] {
		if upToUpdateId < record.UpdateId {
			break
		}
		updateId := self.nextIds[destinationLpid]
		self.nextIds[destinationLpid] = updateId + 1
		self.logs[destinationLpid] = append(self.logs[destinationLpid], &UpdateRecord{
			UpdateId: updateId,
			Owner:    record.Owner,
			Lpid:     destinationLpid,
			Command:  record.Command,
			Payload:  record.Payload,
		})
		count += 1
	}
	return count, nil
}

func (self *MemoryStore) Durable() bool {
	return false
}

func (self *MemoryStore) Close() {
}
