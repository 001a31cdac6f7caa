package refract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type manageHarness struct {
	t        *testing.T
	ctx      context.Context
	store    *MemoryStore
	server   *Server
	manager  *Manager
	address  string
	shutdown chan struct{}
}

func newManageHarness(t *testing.T, secret string) *manageHarness {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	server := NewServerWithDefaults(ctx, store)

	settings := DefaultManagerSettings()
	settings.ListenAddress = "127.0.0.1:0"
	settings.Secret = secret
	settings.WriteTimeout = 5 * time.Second

	shutdown := make(chan struct{})
	manager := NewManager(ctx, server, settings, func() {
		close(shutdown)
	})
	go manager.ListenAndServe()

	deadline := time.Now().Add(5 * time.Second)
	for manager.Addr() == nil {
		if deadline.Before(time.Now()) {
			t.Fatal("manager did not start listening")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		manager.Close()
		cancel()
		store.Close()
	})
	return &manageHarness{
		t:        t,
		ctx:      ctx,
		store:    store,
		server:   server,
		manager:  manager,
		address:  manager.Addr().String(),
		shutdown: shutdown,
	}
}

func (self *manageHarness) dial(secret string) *ManageClient {
	client, err := DialManage(self.address, secret, 5*time.Second)
	assert.Equal(self.t, err, nil)
	return client
}

func TestManageAuth(t *testing.T) {
	harness := newManageHarness(t, "topsecret")

	// a bad token leaves nothing usable behind
	_, err := DialManage(harness.address, "wrong", 5*time.Second)
	assert.NotEqual(t, err, nil)

	client := harness.dial("topsecret")
	defer client.Close()
	connections, err := client.GetConnections()
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(connections, "- none -"), true)
}

func TestManageAuthRequired(t *testing.T) {
	harness := newManageHarness(t, "topsecret")

	// a client that skips mng_auth gets an error and a closed connection
	client, err := DialManage(harness.address, "", 5*time.Second)
	assert.Equal(t, err, nil)
	defer client.Close()
	_, err = client.GetConnections()
	assert.NotEqual(t, err, nil)
}

func TestManageUsers(t *testing.T) {
	harness := newManageHarness(t, "")
	client := harness.dial("")
	defer client.Close()

	uid, err := client.AddUser("alex", "hunter2", DefaultPub, DefaultSub)
	assert.Equal(t, err, nil)
	assert.Equal(t, uid, 1)

	_, err = client.AddUser("alex", "other", DefaultPub, DefaultSub)
	assert.NotEqual(t, err, nil)

	err = client.UpdateUser(uid, "alex", "betterpass", FullPermissions, FullPermissions)
	assert.Equal(t, err, nil)

	users, err := client.ListUsers()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(users), 1)
	assert.Equal(t, users[0].User, "alex")
	assert.Equal(t, users[0].Pub, FullPermissions)

	// the stored credential is the digest of the new password
	user, err := harness.store.UserByName(harness.ctx, "alex")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.CredentialHash, CredentialHash("betterpass"))
}

func TestManageProjects(t *testing.T) {
	harness := newManageHarness(t, "")
	client := harness.dial("")
	defer client.Close()

	lpid, _, err := CreateProject(harness.ctx, harness.store, &ProjectRecord{
		Hash:        testHash,
		Description: "admin view",
		Owner:       1,
		Pub:         DefaultPub,
		Sub:         DefaultSub,
	})
	assert.Equal(t, err, nil)

	projects, err := client.ListProjects()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(projects), 1)
	assert.Equal(t, projects[0].Lpid, lpid)
	assert.Equal(t, projects[0].Description, "admin view")

	// deletion is refused while sessions are attached
	wire := newTestWire()
	session := NewSession(harness.ctx, wire, 0)
	harness.server.Registry().Attach(lpid, session)
	err = client.DeleteProject(lpid)
	assert.NotEqual(t, err, nil)

	harness.server.Registry().Detach(lpid, session)
	session.Terminate()
	err = client.DeleteProject(lpid)
	assert.Equal(t, err, nil)

	projects, err = client.ListProjects()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(projects), 0)
}

func TestManageExportImport(t *testing.T) {
	source := newManageHarness(t, "")
	destination := newManageHarness(t, "")

	lpid, gpid, err := CreateProject(source.ctx, source.store, &ProjectRecord{
		Hash:        testHash,
		Description: "traveling project",
		Owner:       1,
		Pub:         DefaultPub,
		Sub:         DefaultSub,
	})
	assert.Equal(t, err, nil)
	n := 5
	for i := 1; i <= n; i += 1 {
		_, err := source.store.AppendUpdate(source.ctx, 1, lpid, CommandRenamed, []byte(fmt.Sprintf("edit %d", i)))
		assert.Equal(t, err, nil)
	}

	sourceClient := source.dial("")
	defer sourceClient.Close()
	buffer := &bytes.Buffer{}
	count, err := sourceClient.ExportProject(lpid, buffer)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, n)

	destinationClient := destination.dial("")
	defer destinationClient.Close()
	importedLpid, importedCount, err := destinationClient.ImportProject(bytes.NewReader(buffer.Bytes()), 7)
	assert.Equal(t, err, nil)
	assert.Equal(t, importedCount, n)

	// migrate updates carry no replies; a round trip flushes them through
	_, err = destinationClient.ListProjects()
	assert.Equal(t, err, nil)

	// the gpid survives the trip, so rejoin works against the new server
	foundLpid, err := destination.store.LpidForGpid(destination.ctx, gpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, foundLpid, importedLpid)

	record, err := destination.store.Project(destination.ctx, importedLpid)
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Description, "traveling project")
	assert.Equal(t, record.Owner, 7)
	assert.Equal(t, record.Pub, DefaultPub)

	received := []string{}
	err = destination.store.UpdatesAfter(destination.ctx, importedLpid, 0, func(update *UpdateRecord) error {
		received = append(received, string(update.Payload))
		assert.Equal(t, update.Owner, 7)
		return nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(received), n)
	assert.Equal(t, received[0], "edit 1")
	assert.Equal(t, received[n-1], fmt.Sprintf("edit %d", n))

	// importing the same file again collides on the gpid
	_, _, err = destinationClient.ImportProject(bytes.NewReader(buffer.Bytes()), 7)
	assert.NotEqual(t, err, nil)
}

func TestManageExportUnknownProject(t *testing.T) {
	harness := newManageHarness(t, "")
	client := harness.dial("")
	defer client.Close()

	buffer := &bytes.Buffer{}
	_, err := client.ExportProject(9999, buffer)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, buffer.Len(), 0)
}

func TestManageShutdown(t *testing.T) {
	harness := newManageHarness(t, "")
	client := harness.dial("")
	defer client.Close()

	assert.Equal(t, client.Shutdown(), nil)
	select {
	case <-harness.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
}
