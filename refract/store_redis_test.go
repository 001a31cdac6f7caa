package refract

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
	})
	return NewRedisStoreWithClient(client)
}

func TestRedisStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	uid, err := store.AddUser(ctx, "alex", CredentialHash("one"), DefaultPub, DefaultSub)
	assert.Equal(t, err, nil)
	assert.Equal(t, uid, 1)

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
	assert.Equal(t, user.Sub, DefaultSub)

	_, err = store.UserByName(ctx, "nobody")
	assert.Equal(t, err, ErrNotFound)

	// rename moves the name index
	err = store.UpdateUser(ctx, uid2, "sam2", CredentialHash("three"), FullPermissions, FullPermissions)
	assert.Equal(t, err, nil)
	_, err = store.UserByName(ctx, "sam")
	assert.Equal(t, err, ErrNotFound)
	user, err = store.UserByName(ctx, "sam2")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.Uid, uid2)
	assert.Equal(t, user.Pub, FullPermissions)

	users, err := store.ListUsers(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(users), 2)
	assert.Equal(t, users[0].Name, "alex")
	assert.Equal(t, users[1].Name, "sam2")
}

func TestRedisStoreProjects(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	record := &ProjectRecord{
		Hash:        testHash,
		Description: "first",
		Owner:       1,
		Pub:         DefaultPub,
		Sub:         DefaultSub,
	}
	lpid, gpid, err := CreateProject(ctx, store, record)
	assert.Equal(t, err, nil)
	assert.Equal(t, lpid, 1)

	_, err = store.AddProject(ctx, &ProjectRecord{Gpid: gpid, Hash: testHash})
	assert.Equal(t, err, ErrGpidCollision)

	stored, err := store.Project(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Gpid, gpid)
	assert.Equal(t, stored.Description, "first")
	assert.Equal(t, stored.Owner, 1)
	assert.Equal(t, stored.Protocol, ProtocolVersion)

	foundLpid, err := store.LpidForGpid(ctx, gpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, foundLpid, lpid)
	foundGpid, err := store.GpidForLpid(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, foundGpid, gpid)

	snapLpid, _, err := CreateProject(ctx, store, &ProjectRecord{
		Hash:         testHash,
		Description:  "frozen",
		Owner:        1,
		SnapUpdateId: 4,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, store.AddFork(ctx, snapLpid, lpid), nil)

	snap, err := store.Project(ctx, snapLpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, snap.IsSnapshot(), true)
	assert.Equal(t, snap.Parent, lpid)
	assert.Equal(t, snap.ParentDescription, "first")

	records, err := store.ProjectsByHash(ctx, testHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)

	err = store.SetProjectPerms(ctx, lpid, MaskRename, MaskComments)
	assert.Equal(t, err, nil)
	stored, err = store.Project(ctx, lpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored.Pub, MaskRename)
	assert.Equal(t, stored.Sub, MaskComments)

	err = store.DeleteProject(ctx, snapLpid)
	assert.Equal(t, err, nil)
	_, err = store.Project(ctx, snapLpid)
	assert.Equal(t, err, ErrNotFound)
	records, err = store.ProjectsByHash(ctx, testHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)
}

func TestRedisStoreUpdateLog(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	lpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)

	for i := 1; i <= 8; i += 1 {
		updateId, err := store.AppendUpdate(ctx, 1, lpid, CommandMakeData, []byte(fmt.Sprintf("edit %d", i)))
		assert.Equal(t, err, nil)
		assert.Equal(t, updateId, uint64(i))
	}

	_, err = store.AppendUpdate(ctx, 1, 9999, CommandMakeData, []byte("nope"))
	assert.Equal(t, err, ErrNotFound)

	received := []uint64{}
	err = store.UpdatesAfter(ctx, lpid, 3, func(record *UpdateRecord) error {
		received = append(received, record.UpdateId)
		assert.Equal(t, record.Lpid, lpid)
		assert.Equal(t, record.Owner, 1)
		assert.Equal(t, record.Command, CommandMakeData)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, received, []uint64{4, 5, 6, 7, 8})
}

func TestRedisStoreCopyUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	sourceLpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)
	destinationLpid, _, err := CreateProject(ctx, store, &ProjectRecord{Hash: testHash, Owner: 1})
	assert.Equal(t, err, nil)

	for i := 1; i <= 6; i += 1 {
		_, err := store.AppendUpdate(ctx, 1, sourceLpid, CommandRenamed, []byte(fmt.Sprintf("edit %d", i)))
		assert.Equal(t, err, nil)
	}

	count, err := store.CopyUpdates(ctx, sourceLpid, 4, destinationLpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 4)

	copied := []*UpdateRecord{}
	err = store.UpdatesAfter(ctx, destinationLpid, 0, func(record *UpdateRecord) error {
		copied = append(copied, record)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(copied), 4)
	for i, record := range copied {
		assert.Equal(t, record.UpdateId, uint64(i+1))
		assert.Equal(t, string(record.Payload), fmt.Sprintf("edit %d", i+1))
	}

	// the destination allocator continues after the copied range
	updateId, err := store.AppendUpdate(ctx, 1, destinationLpid, CommandRenamed, []byte("new"))
	assert.Equal(t, err, nil)
	assert.Equal(t, updateId, uint64(5))
}

func TestRedisStoreDurable(t *testing.T) {
	store := newTestRedisStore(t)
	assert.Equal(t, store.Durable(), true)
}
