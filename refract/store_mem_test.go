package refract

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

const testHash = "00112233445566778899aabbccddeeff"

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	uid, err := store.AddUser(ctx, "alex", CredentialHash("one"), DefaultPub, DefaultSub)
	assert.Equal(t, err, nil)
	assert.Equal(t, uid, 1)

	// duplicate name
	_, err = store.AddUser(ctx, "alex", CredentialHash("two"), DefaultPub, DefaultSub)
	assert.NotEqual(t, err, nil)

	uid2, err := store.AddUser(ctx, "sam", CredentialHash("two"), MaskRename, MaskRename)
	assert.Equal(t, err, nil)
	assert.Equal(t, uid2, 2)

	user, err := store.UserByName(ctx, "alex")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.Uid, uid)
	assert.Equal(t, user.CredentialHash, CredentialHash("one"))
	assert.Equal(t, user.Pub, DefaultPub)

	_, err = store.UserByName(ctx, "nobody")
	assert.Equal(t, err, ErrNotFound)

	err = store.UpdateUser(ctx, uid2, "sam", CredentialHash("three"), FullPermissions, FullPermissions)
	assert.Equal(t, err, nil)
	user, err = store.UserByName(ctx, "sam")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.CredentialHash, CredentialHash("three"))
	assert.Equal(t, user.Pub, FullPermissions)

	err = store.UpdateUser(ctx, 99, "ghost", CredentialHash(""), 0, 0)
	assert.Equal(t, err, ErrNotFound)

	users, err := store.ListUsers(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(users), 2)
	assert.Equal(t, users[0].Name, "alex")
	assert.Equal(t, users[1].Name, "sam")
}

func TestMemoryStoreProjects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	record := &ProjectRecord{
		Hash:        testHash,
		Description: "first",
		Owner:       1,
		Pub:         DefaultPub,
		Sub:         DefaultSub,
	}
	lpid, gpid, err := CreateProject(ctx, store, record)
	assert.Equal(t, err, nil)
	assert.Equal(t, lpid, memoryFirstLpid)
	assert.Equal(t, IsHexToken(gpid, GpidSize), true)

	// a second insert under the same gpid is a collision
	_, err = store.AddProject(ctx, &ProjectRecord{Gpid: gpid, Hash: testHash})
	assert.Equal(t, err, ErrGpidCollision)

	stored, err := store.Project(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Gpid, gpid)
	assert.Equal(t, stored.Description, "first")
	assert.Equal(t, stored.Protocol, ProtocolVersion)
	assert.Equal(t, stored.IsSnapshot(), false)
	assert.Equal(t, stored.Parent, 0)

	foundLpid, err := store.LpidForGpid(ctx, gpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, foundLpid, lpid)
	foundGpid, err := store.GpidForLpid(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, foundGpid, gpid)

	_, err = store.LpidForGpid(ctx, EmptyGpid)
	assert.Equal(t, err, ErrNotFound)

	err = store.SetProjectPerms(ctx, lpid, MaskRename, MaskRename|MaskComments)
	assert.Equal(t, err, nil)
	stored, err = store.Project(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Pub, MaskRename)
	assert.Equal(t, stored.Sub, MaskRename|MaskComments)

	err = store.DeleteProject(ctx, lpid)
	assert.Equal(t, err, nil)
	_, err = store.Project(ctx, lpid)
	assert.Equal(t, err, ErrNotFound)
	_, err = store.LpidForGpid(ctx, gpid)
	assert.Equal(t, err, ErrNotFound)
	err = store.DeleteProject(ctx, lpid)
	assert.Equal(t, err, ErrNotFound)
}

func TestMemoryStoreLineage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	parentLpid, _, err := CreateProject(ctx, store, &ProjectRecord{
		Hash:        testHash,
		Description: "parent",
		Owner:       1,
	})
	assert.Equal(t, err, nil)

	snapLpid, _, err := CreateProject(ctx, store, &ProjectRecord{
		Hash:         testHash,
		Description:  "frozen",
		Owner:        1,
		SnapUpdateId: 10,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, store.AddFork(ctx, snapLpid, parentLpid), nil)

	snap, err := store.Project(ctx, snapLpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, snap.IsSnapshot(), true)
	assert.Equal(t, snap.Parent, parentLpid)
	assert.Equal(t, snap.ParentDescription, "parent")

	otherHashLpid, _, err := CreateProject(ctx, store, &ProjectRecord{
		Hash:        "ffeeddccbbaa99887766554433221100",
		Description: "other artifact",
		Owner:       1,
	})
	assert.Equal(t, err, nil)

	records, err := store.ProjectsByHash(ctx, testHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[0].Lpid, parentLpid)
	assert.Equal(t, records[1].Lpid, snapLpid)

	all, err := store.ListProjects(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 3)
	assert.Equal(t, all[2].Lpid, otherHashLpid)
}

func TestMemoryStoreUpdateLog(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	lpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)

	n := 10
	for i := 1; i <= n; i += 1 {
		updateId, err := store.AppendUpdate(ctx, 1, lpid, CommandRenamed, []byte(fmt.Sprintf("edit %d", i)))
		assert.Equal(t, err, nil)
		// ids start at 1 and are dense here
		assert.Equal(t, updateId, uint64(i))
	}

	_, err = store.AppendUpdate(ctx, 1, 9999, CommandRenamed, []byte("nope"))
	assert.Equal(t, err, ErrNotFound)

	// the lower bound is exclusive
	received := []uint64{}
	err = store.UpdatesAfter(ctx, lpid, 4, func(record *UpdateRecord) error {
		received = append(received, record.UpdateId)
		assert.Equal(t, record.Lpid, lpid)
		assert.Equal(t, record.Command, CommandRenamed)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, received, []uint64{5, 6, 7, 8, 9, 10})

	// callback errors stop the stream
	calls := 0
	err = store.UpdatesAfter(ctx, lpid, 0, func(record *UpdateRecord) error {
		calls += 1
		if calls == 3 {
			return fmt.Errorf("stop")
		}
		return nil
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, calls, 3)
}

func TestMemoryStoreCopyUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	sourceLpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)
	destinationLpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)

	for i := 1; i <= 8; i += 1 {
		_, err := store.AppendUpdate(ctx, 1, sourceLpid, CommandMakeCode, []byte(fmt.Sprintf("edit %d", i)))
		assert.Equal(t, err, nil)
	}

	// the copy boundary is inclusive
	count, err := store.CopyUpdates(ctx, sourceLpid, 5, destinationLpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 5)

	copied := []*UpdateRecord{}
	err = store.UpdatesAfter(ctx, destinationLpid, 0, func(record *UpdateRecord) error {
		copied = append(copied, record)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(copied), 5)
	for i, record := range copied {
		// renumbered into the destination id space, order preserved
		assert.Equal(t, record.UpdateId, uint64(i+1))
		assert.Equal(t, record.Lpid, destinationLpid)
		assert.Equal(t, string(record.Payload), fmt.Sprintf("edit %d", i+1))
	}

	// the destination allocator continues after the copied range
	updateId, err := store.AppendUpdate(ctx, 1, destinationLpid, CommandMakeCode, []byte("new"))
	assert.Equal(t, err, nil)
	assert.Equal(t, updateId, uint64(6))

	_, err = store.CopyUpdates(ctx, sourceLpid, 5, 9999)
	assert.Equal(t, err, ErrNotFound)
}

func TestMemoryStoreNotDurable(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	assert.Equal(t, store.Durable(), false)
}
