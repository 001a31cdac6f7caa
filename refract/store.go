package refract

import (
	"context"
	"errors"
)

// Store is the storage backend capability object: the persistent side of the
// project registry plus the ordered update log. One component, multiple
// conforming backends (memory, postgres, redis); the volatile deployment is
// just the memory backend, not a parallel implementation of the server.
var (
	ErrNotFound = errors.New("not found")
	// the optimistic insert hit the gpid uniqueness constraint; retry with
	// a fresh token
	ErrGpidCollision = errors.New("gpid collision")
	ErrNotSnapshot   = errors.New("project is not a snapshot")
)

const InvalidUser = -1
const VolatileUser = 0

type UserRecord struct {
	Uid  int
	Name string
	// hex credential digest, the keyed-hash secret
	CredentialHash string
	Pub            uint32
	Sub            uint32
}

type ProjectRecord struct {
	Lpid        int
	Gpid        string
	Hash        string
	Description string
	Owner       int
	Pub         uint32
	Sub         uint32
	// >0 marks a frozen point-in-time record: never joinable, only forkable
	SnapUpdateId uint64
	// fork/snapshot lineage
	Parent            int
	ParentDescription string
	Protocol          int
}

func (self *ProjectRecord) IsSnapshot() bool {
	return 0 < self.SnapUpdateId
}

type UpdateRecord struct {
	UpdateId uint64
	Owner    int
	Lpid     int
	Command  int
	Payload  []byte
}

type Store interface {
	AddUser(ctx context.Context, name string, credentialHash string, pub uint32, sub uint32) (int, error)
	UpdateUser(ctx context.Context, uid int, name string, credentialHash string, pub uint32, sub uint32) error
	UserByName(ctx context.Context, name string) (*UserRecord, error)
	ListUsers(ctx context.Context) ([]*UserRecord, error)

	// AddProject inserts a project record under a caller-generated gpid and
	// returns the allocated lpid. Returns ErrGpidCollision when the gpid is
	// already taken, which is the sole retry trigger for the caller.
	AddProject(ctx context.Context, record *ProjectRecord) (int, error)
	AddFork(ctx context.Context, childLpid int, parentLpid int) error
	Project(ctx context.Context, lpid int) (*ProjectRecord, error)
	ProjectsByHash(ctx context.Context, hash string) ([]*ProjectRecord, error)
	ListProjects(ctx context.Context) ([]*ProjectRecord, error)
	DeleteProject(ctx context.Context, lpid int) error
	SetProjectPerms(ctx context.Context, lpid int, pub uint32, sub uint32) error
	LpidForGpid(ctx context.Context, gpid string) (int, error)
	GpidForLpid(ctx context.Context, lpid int) (string, error)

	// AppendUpdate atomically allocates the next update id for the project
	// and stores the record. Ids are strictly increasing per project and
	// never reused, even when a dependent operation later fails.
	AppendUpdate(ctx context.Context, owner int, lpid int, command int, payload []byte) (uint64, error)
	// UpdatesAfter streams updates with id > afterUpdateId in ascending
	// id order.
	UpdatesAfter(ctx context.Context, lpid int, afterUpdateId uint64, callback func(*UpdateRecord) error) error
	// CopyUpdates copies the source log up to upToUpdateId inclusive into the
	// destination project, renumbered in the destination's own id space with
	// relative order preserved, atomically with respect to concurrent
	// appends to the source. Returns the number of updates copied.
	CopyUpdates(ctx context.Context, sourceLpid int, upToUpdateId uint64, destinationLpid int) (int, error)

	// Durable is false when updates do not survive the process (no real id
	// store); acks advertise this to clients.
	Durable() bool
	Close()
}

// CreateProject allocates a gpid and inserts the project, retrying only on
// the store's uniqueness conflict. Any other error aborts immediately.
func CreateProject(ctx context.Context, store Store, record *ProjectRecord) (int, string, error) {
	for {
		record.Gpid = NewGpid()
		lpid, err := store.AddProject(ctx, record)
		if errors.Is(err, ErrGpidCollision) {
			continue
		}
		if err != nil {
			return -1, "", err
		}
		return lpid, record.Gpid, nil
	}
}
