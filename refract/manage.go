package refract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

type ManagerSettings struct {
	// loopback by default, operators must opt in to remote management
	ListenAddress string
	LocalOnly     bool
	// shared secret for HS256 token auth, empty disables token auth
	Secret       string
	WriteTimeout time.Duration
}

func DefaultManagerSettings() *ManagerSettings {
	return &ManagerSettings{
		ListenAddress: "127.0.0.1:5043",
		LocalOnly:     true,
		Secret:        "",
		WriteTimeout:  30 * time.Second,
	}
}

// Manager is the operator sideband: a second listener, one connection at a
// time, separately authenticated, for stats, user and project
// administration, shutdown, and cross server migration.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	server   *Server
	settings *ManagerSettings
	// invoked on mng_shutdown, wired to the daemon's stop
	shutdown func()

	stateLock sync.Mutex
	listener  net.Listener
	// migrate_update without an lpid applies to the last migrated project
	lastMigratedLpid int
}

func NewManager(ctx context.Context, server *Server, settings *ManagerSettings, shutdown func()) *Manager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:              cancelCtx,
		cancel:           cancel,
		server:           server,
		settings:         settings,
		shutdown:         shutdown,
		lastMigratedLpid: -1,
	}
}

// MintManageToken creates an HS256 token a management client presents in
// mng_auth.
func MintManageToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "manage",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func verifyManageToken(secret string, tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (self *Manager) ListenAndServe() error {
	listener, err := net.Listen("tcp", self.settings.ListenAddress)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.listener = listener
	self.stateLock.Unlock()
	glog.Infof("[manage]listening on %s\n", listener.Addr())

	go func() {
		select {
		case <-self.ctx.Done():
			listener.Close()
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			glog.Errorf("[manage]accept: %s\n", err)
			continue
		}
		// one operator at a time, served inline
		self.serveConn(conn)
	}
}

func (self *Manager) Close() {
	self.cancel()
}

// Addr is the bound listen address, nil until ListenAndServe is up.
func (self *Manager) Addr() net.Addr {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.listener == nil {
		return nil
	}
	return self.listener.Addr()
}

func (self *Manager) allowed(conn net.Conn) bool {
	if !self.settings.LocalOnly {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (self *Manager) serveConn(conn net.Conn) {
	wire := newStreamWire(conn)
	defer wire.Close()

	if !self.allowed(conn) {
		glog.Errorf("[manage]rejected non-local connection from %s\n", conn.RemoteAddr())
		return
	}
	glog.V(1).Infof("[manage]operator connected from %s\n", conn.RemoteAddr())

	send := func(messageType string, body any) error {
		envelope, err := NewEnvelope(messageType, body)
		if err != nil {
			return err
		}
		return wire.WriteEnvelope(envelope, self.settings.WriteTimeout)
	}
	sendError := func(text string) {
		send(MngError, &MngTextBody{Text: text})
	}

	authenticated := self.settings.Secret == ""
	for {
		envelope, err := wire.ReadEnvelope()
		if err != nil {
			return
		}

		if !authenticated {
			if envelope.Type != MngAuth {
				sendError("authentication required")
				return
			}
			var auth MngAuthBody
			if err := envelope.Decode(&auth); err != nil {
				sendError("malformed mng_auth")
				return
			}
			if err := verifyManageToken(self.settings.Secret, auth.Token); err != nil {
				glog.Errorf("[manage]bad token from %s: %s\n", conn.RemoteAddr(), err)
				sendError("bad token")
				return
			}
			authenticated = true
			send(MngAuthReply, &MngStatusBody{Success: true})
			continue
		}

		if err := self.dispatch(envelope, send, sendError); err != nil {
			return
		}
	}
}

func (self *Manager) dispatch(envelope *Envelope, send func(string, any) error, sendError func(string)) error {
	switch envelope.Type {

	case MngGetConnections:
		return send(MngConnections, &MngTextBody{Text: self.server.ListConnections()})

	case MngGetStats:
		return send(MngStats, &MngTextBody{Text: self.server.DumpStats()})

	case MngShutdown:
		glog.Infof("[manage]shutdown requested\n")
		if self.shutdown != nil {
			self.shutdown()
		}
		return errors.New("shutting down")

	case MngProjectMigrate:
		var request MngProjectMigrateBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_project_migrate")
			return nil
		}
		lpid, err := self.server.MigrateProject(request.Owner, request.Gpid, request.Hash, request.Description, request.Pub, request.Sub)
		if err != nil {
			glog.Errorf("[manage]migrate failed: %s\n", err)
			return send(MngProjectMigrateReply, &MngProjectMigrateReplyBody{Success: false})
		}
		self.stateLock.Lock()
		self.lastMigratedLpid = lpid
		self.stateLock.Unlock()
		return send(MngProjectMigrateReply, &MngProjectMigrateReplyBody{Success: true, Lpid: lpid})

	case MngMigrateUpdate:
		var request MngMigrateUpdateBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_migrate_update")
			return nil
		}
		lpid := request.Lpid
		if lpid <= 0 {
			self.stateLock.Lock()
			lpid = self.lastMigratedLpid
			self.stateLock.Unlock()
		}
		if lpid < 0 {
			sendError("no migrated project to attribute the update to")
			return nil
		}
		if err := self.server.MigrateUpdate(request.Owner, lpid, request.Command, request.Payload); err != nil {
			glog.Errorf("[manage]migrate update failed: %s\n", err)
			sendError("migrate update failed")
		}
		return nil

	case MngAddUser:
		var request MngUserBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_add_user")
			return nil
		}
		uid, err := self.server.Store().AddUser(self.ctx, request.User, CredentialHash(request.Password), request.Pub&FullPermissions, request.Sub&FullPermissions)
		if err != nil {
			return send(MngUserReply, &MngUserReplyBody{Success: false, Text: err.Error()})
		}
		glog.Infof("[manage]added user %s (uid %d)\n", request.User, uid)
		return send(MngUserReply, &MngUserReplyBody{Success: true, Uid: uid})

	case MngUpdateUser:
		var request MngUserBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_update_user")
			return nil
		}
		err := self.server.Store().UpdateUser(self.ctx, request.Uid, request.User, CredentialHash(request.Password), request.Pub&FullPermissions, request.Sub&FullPermissions)
		if err != nil {
			return send(MngUserReply, &MngUserReplyBody{Success: false, Text: err.Error()})
		}
		return send(MngUserReply, &MngUserReplyBody{Success: true, Uid: request.Uid})

	case MngListUsers:
		users, err := self.server.Store().ListUsers(self.ctx)
		if err != nil {
			sendError("user list failed")
			return nil
		}
		list := make([]*MngUserBody, 0, len(users))
		for _, user := range users {
			list = append(list, &MngUserBody{
				Uid:  user.Uid,
				User: user.Name,
				Pub:  user.Pub,
				Sub:  user.Sub,
			})
		}
		return send(MngUserList, &MngUserListBody{Users: list})

	case MngListProjects:
		records, err := self.server.Store().ListProjects(self.ctx)
		if err != nil {
			sendError("project list failed")
			return nil
		}
		list := make([]*MngProjectInfo, 0, len(records))
		for _, record := range records {
			list = append(list, &MngProjectInfo{
				Lpid:         record.Lpid,
				Gpid:         record.Gpid,
				Hash:         record.Hash,
				Description:  record.Description,
				Owner:        record.Owner,
				Pub:          record.Pub,
				Sub:          record.Sub,
				SnapUpdateId: record.SnapUpdateId,
				Parent:       record.Parent,
			})
		}
		return send(MngProjectList, &MngProjectListBody{Projects: list})

	case MngDeleteProject:
		var request MngLpidBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_delete_project")
			return nil
		}
		if 0 < self.server.Registry().Count(request.Lpid) {
			return send(MngDeleteProjectReply, &MngStatusBody{Success: false, Text: "project has live sessions"})
		}
		if err := self.server.Store().DeleteProject(self.ctx, request.Lpid); err != nil {
			return send(MngDeleteProjectReply, &MngStatusBody{Success: false, Text: err.Error()})
		}
		glog.Infof("[manage]deleted project %d\n", request.Lpid)
		return send(MngDeleteProjectReply, &MngStatusBody{Success: true})

	case MngExportProject:
		var request MngLpidBody
		if err := envelope.Decode(&request); err != nil {
			sendError("malformed mng_export_project")
			return nil
		}
		return self.export(request.Lpid, send, sendError)

	default:
		glog.V(1).Infof("[manage]unknown message %s, ignoring\n", envelope.Type)
		return nil
	}
}

// export streams a project's metadata and full update log in ascending id
// order. The operator CLI turns the stream into the offline transfer format.
func (self *Manager) export(lpid int, send func(string, any) error, sendError func(string)) error {
	record, err := self.server.Store().Project(self.ctx, lpid)
	if err != nil {
		sendError(fmt.Sprintf("no such project %d", lpid))
		return nil
	}
	err = send(MngExportReply, &MngProjectInfo{
		Lpid:         record.Lpid,
		Gpid:         record.Gpid,
		Hash:         record.Hash,
		Description:  record.Description,
		Owner:        record.Owner,
		Pub:          record.Pub,
		Sub:          record.Sub,
		SnapUpdateId: record.SnapUpdateId,
		Parent:       record.Parent,
	})
	if err != nil {
		return err
	}

	count := 0
	err = self.server.Store().UpdatesAfter(self.ctx, lpid, 0, func(update *UpdateRecord) error {
		count += 1
		return send(MngExportUpdate, &MngExportUpdateBody{
			UpdateId: update.UpdateId,
			Owner:    update.Owner,
			Command:  update.Command,
			Payload:  update.Payload,
		})
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("[manage]exported project %d, %d updates\n", lpid, count)
	return send(MngExportEnd, &MngExportEndBody{Count: count})
}
