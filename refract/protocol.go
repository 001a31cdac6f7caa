package refract

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// returned by a handler when the connection must end
var errDisconnect = errors.New("disconnect")

const DefaultAuthTries = 3

// Engine runs the per-connection state machine: the authentication
// handshake, project lifecycle requests, permission negotiation, and opaque
// update relay. One engine per session, driven by the blocking receive loop
// in Run.
type Engine struct {
	ctx context.Context

	store    Store
	registry *Registry
	broker   *Broker
	session  *Session

	// volatile servers auto-accept authentication and hand out the
	// placeholder gpid, so clients cannot rejoin after a restart
	volatile bool

	challenge []byte
	authTries int

	handlers map[string]func(json.RawMessage) error
}

func NewEngine(ctx context.Context, store Store, registry *Registry, broker *Broker, session *Session, volatile bool) *Engine {
	engine := &Engine{
		ctx:       ctx,
		store:     store,
		registry:  registry,
		broker:    broker,
		session:   session,
		volatile:  volatile,
		authTries: DefaultAuthTries,
	}
	engine.handlers = map[string]func(json.RawMessage) error{
		MsgAuthRequest:            engine.handleAuthRequest,
		MsgProjectListRequest:     engine.handleProjectList,
		MsgProjectNewRequest:      engine.handleProjectNew,
		MsgProjectJoinRequest:     engine.handleProjectJoin,
		MsgProjectRejoinRequest:   engine.handleProjectRejoin,
		MsgProjectLeave:           engine.handleProjectLeave,
		MsgProjectSnapshotRequest: engine.handleProjectSnapshot,
		MsgProjectForkRequest:     engine.handleProjectFork,
		MsgProjectSnapforkRequest: engine.handleProjectSnapfork,
		MsgSendUpdates:            engine.handleSendUpdates,
		MsgGetReqPerms:            engine.handleGetReqPerms,
		MsgSetReqPerms:            engine.handleSetReqPerms,
		MsgGetProjPerms:           engine.handleGetProjPerms,
		MsgSetProjPerms:           engine.handleSetProjPerms,
		MsgUpdate:                 engine.handleUpdate,
	}
	return engine
}

// Run drives the connection until it closes. It owns the session: on return
// the session is detached and the transport is closed.
func (self *Engine) Run() {
	defer self.Teardown()

	self.challenge = NewChallenge()
	err := self.session.Send(MsgChallenge, &ChallengeBody{
		Protocol:  ProtocolVersion,
		Challenge: hex.EncodeToString(self.challenge),
	})
	if err != nil {
		return
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.session.Done():
			return
		default:
		}

		envelope, err := self.session.conn.ReadEnvelope()
		if err != nil {
			glog.V(2).Infof("[engine %s]read: %s\n", self.session.Id(), err)
			return
		}
		self.session.countRx(envelope.Type)

		handler, ok := self.handlers[envelope.Type]
		if !ok {
			glog.V(1).Infof("[engine %s]unknown message %s, ignoring\n", self.session.Id(), envelope.Type)
			continue
		}
		if err := handler(envelope.Body); err != nil {
			if !errors.Is(err, errDisconnect) {
				glog.Errorf("[engine %s]%s: %s\n", self.session.Id(), envelope.Type, err)
			}
			return
		}
	}
}

// Teardown detaches the session from its project and closes the transport.
// Safe to call more than once.
func (self *Engine) Teardown() {
	if lpid := self.session.Lpid(); 0 <= lpid {
		self.registry.Detach(lpid, self.session)
	}
	self.session.Terminate()
}

func (self *Engine) handleAuthRequest(body json.RawMessage) error {
	var request AuthRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		self.session.SendError("malformed auth_request")
		return errDisconnect
	}
	if self.session.Authenticated() {
		glog.Errorf("[engine %s]auth_request while already authenticated\n", self.session.Id())
		return self.session.SendError("attempt to authenticate when already authenticated")
	}
	if request.Protocol != ProtocolVersion {
		self.session.SendError(fmt.Sprintf("version mismatch. client: %d server: %d", request.Protocol, ProtocolVersion))
		return errDisconnect
	}

	uid := InvalidUser
	userPub := uint32(0)
	userSub := uint32(0)
	if self.volatile {
		// any credential is accepted when nothing is stored
		uid = VolatileUser
		userPub = FullPermissions
		userSub = FullPermissions
	} else {
		user, err := self.store.UserByName(self.ctx, request.User)
		if err == nil && VerifyChallenge(self.challenge, user.CredentialHash, request.Response) {
			uid = user.Uid
			userPub = user.Pub
			userSub = user.Sub
		}
	}

	if uid == InvalidUser {
		glog.V(1).Infof("[engine %s]failed auth for %s\n", self.session.Id(), request.User)
		if err := self.session.Send(MsgAuthReply, &AuthReplyBody{Success: false}); err != nil {
			return err
		}
		self.authTries -= 1
		if self.authTries <= 0 {
			glog.Errorf("[engine %s]too many auth attempts for %s\n", self.session.Id(), request.User)
			return errDisconnect
		}
		return nil
	}

	self.session.setAuthenticated(uid, request.User, userPub, userSub)
	glog.V(1).Infof("[engine %s]authenticated %s (uid %d)\n", self.session.Id(), request.User, uid)
	return self.session.Send(MsgAuthReply, &AuthReplyBody{Success: true})
}

// replyGpid is what clients are told about a project's global id. Volatile
// servers hand out the placeholder so stale client state is rejected at
// rejoin instead of aliasing a project on some other server.
func (self *Engine) replyGpid(gpid string) string {
	if self.volatile {
		return EmptyGpid
	}
	return gpid
}

func (self *Engine) handleProjectList(body json.RawMessage) error {
	var request ProjectListRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_list_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	self.session.setHash(request.Hash)

	records, err := self.store.ProjectsByHash(self.ctx, request.Hash)
	if err != nil {
		return self.session.SendError("project list failed")
	}
	userPub, userSub := self.session.UserMasks()
	summaries := []*ProjectSummary{}
	for _, record := range records {
		if record.Protocol != ProtocolVersion {
			continue
		}
		var description string
		if 0 < record.Parent {
			if record.IsSnapshot() {
				description = fmt.Sprintf("[-] %s (SNAP of '%s'@%d updates)", record.Description, record.ParentDescription, record.SnapUpdateId)
			} else {
				description = fmt.Sprintf("[%d] %s (FORK of '%s')", self.registry.Count(record.Lpid), record.Description, record.ParentDescription)
			}
		} else {
			description = fmt.Sprintf("[%d] %s", self.registry.Count(record.Lpid), record.Description)
		}
		summaries = append(summaries, &ProjectSummary{
			Lpid:         record.Lpid,
			SnapUpdateId: record.SnapUpdateId,
			Description:  description,
			// cap at what this user could ever obtain
			Pub: record.Pub & userPub,
			Sub: record.Sub & userSub,
		})
	}
	return self.session.Send(MsgProjectList, &ProjectListBody{
		Projects: summaries,
		Options:  PermStrings,
	})
}

func (self *Engine) handleProjectNew(body json.RawMessage) error {
	var request ProjectNewRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_new_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}

	record := &ProjectRecord{
		Hash:        request.Hash,
		Description: request.Description,
		Owner:       self.session.Uid(),
		Pub:         request.Pub & FullPermissions,
		Sub:         request.Sub & FullPermissions,
	}
	lpid, gpid, err := CreateProject(self.ctx, self.store, record)
	if err != nil {
		glog.Errorf("[engine %s]new project failed: %s\n", self.session.Id(), err)
		return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{Success: false})
	}
	if oldLpid := self.session.Lpid(); 0 <= oldLpid {
		self.registry.Detach(oldLpid, self.session)
		self.session.leaveProject()
	}
	// creator is the owner and gets everything
	self.session.enterProject(lpid, gpid, request.Hash, FullPermissions, FullPermissions)
	self.registry.Attach(lpid, self.session)
	glog.V(1).Infof("[engine %s]created project %d for %s\n", self.session.Id(), lpid, request.Hash)
	return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{
		Success: true,
		Gpid:    self.replyGpid(gpid),
	})
}

// join resolves lpid, enforces the snapshot and protocol gates, computes the
// effective masks, and attaches. Callers send the join reply.
func (self *Engine) join(lpid int) error {
	// a join without an intervening leave must not leak the old membership
	if oldLpid := self.session.Lpid(); 0 <= oldLpid {
		self.registry.Detach(oldLpid, self.session)
		self.session.leaveProject()
	}
	record, err := self.store.Project(self.ctx, lpid)
	if err != nil {
		return fmt.Errorf("no such project %d", lpid)
	}
	if record.Protocol != ProtocolVersion {
		return fmt.Errorf("project %d uses protocol %d", lpid, record.Protocol)
	}
	if record.IsSnapshot() {
		self.session.SendError("can't join a snapshot, you MUST fork a snapshot")
		return fmt.Errorf("project %d is a snapshot", lpid)
	}

	var pub, sub uint32
	if record.Owner == self.session.Uid() {
		// owner gets everything, regardless of the mask algebra
		pub = FullPermissions
		sub = FullPermissions
	} else {
		userPub, userSub := self.session.UserMasks()
		reqPub, reqSub := self.session.Requested()
		pub = EffectiveMask(record.Pub, userPub, reqPub)
		sub = EffectiveMask(record.Sub, userSub, reqSub)
	}
	self.session.enterProject(lpid, record.Gpid, record.Hash, pub, sub)
	self.registry.Attach(lpid, self.session)
	glog.V(1).Infof("[engine %s]joined project %d pub %x sub %x\n", self.session.Id(), lpid, pub, sub)
	return nil
}

func (self *Engine) handleProjectJoin(body json.RawMessage) error {
	var request ProjectJoinRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_join_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	self.session.setRequested(request.Pub, request.Sub)

	if err := self.join(request.Lpid); err != nil {
		glog.V(1).Infof("[engine %s]join %d: %s\n", self.session.Id(), request.Lpid, err)
		return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{Success: false})
	}
	return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{
		Success: true,
		Gpid:    self.replyGpid(self.session.Gpid()),
	})
}

func (self *Engine) handleProjectRejoin(body json.RawMessage) error {
	var request ProjectRejoinRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_rejoin_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	if request.Gpid == EmptyGpid {
		// the placeholder never names a real project, no registry lookup
		return self.session.SendError("this client connected in volatile mode, cannot reconnect")
	}
	self.session.setRequested(request.Pub, request.Sub)

	lpid, err := self.store.LpidForGpid(self.ctx, request.Gpid)
	if err == nil {
		err = self.join(lpid)
	}
	if err != nil {
		self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{Success: false})
		self.session.SendError(fmt.Sprintf("tried to rejoin a project that doesn't exist on this server: %s", request.Gpid))
		self.session.SendFatal("this database is associated with a project not found on this server; maybe you connected to the wrong server, or the project has been deleted")
		return errDisconnect
	}
	return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{
		Success: true,
		Gpid:    request.Gpid,
	})
}

func (self *Engine) handleProjectLeave(body json.RawMessage) error {
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	if lpid := self.session.Lpid(); 0 <= lpid {
		self.registry.Detach(lpid, self.session)
		self.session.leaveProject()
		glog.V(1).Infof("[engine %s]left project %d\n", self.session.Id(), lpid)
	}
	return nil
}

func (self *Engine) handleProjectSnapshot(body json.RawMessage) error {
	var request ProjectSnapshotRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_snapshot_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	fail := func() error {
		return self.session.Send(MsgProjectSnapshotReply, &ProjectSnapshotReplyBody{Success: false})
	}
	if self.volatile {
		self.session.SendError("server is volatile, snapshots cannot be made")
		return fail()
	}
	if request.LastUpdateId == 0 {
		self.session.SendError("snapshots with no updates are not allowed - start a new project instead")
		return fail()
	}
	lpid := self.session.Lpid()
	if lpid < 0 {
		self.session.SendError("not attached to a project")
		return fail()
	}

	record := &ProjectRecord{
		Hash:         self.session.Hash(),
		Description:  request.Description,
		Owner:        self.session.Uid(),
		SnapUpdateId: request.LastUpdateId,
	}
	snapLpid, _, err := CreateProject(self.ctx, self.store, record)
	if err != nil {
		glog.Errorf("[engine %s]snapshot failed: %s\n", self.session.Id(), err)
		return fail()
	}
	if err := self.store.AddFork(self.ctx, snapLpid, lpid); err != nil {
		glog.Errorf("[engine %s]snapshot forklist insert failed: %s\n", self.session.Id(), err)
		return fail()
	}
	glog.V(1).Infof("[engine %s]snapshot of %d at update %d is project %d\n", self.session.Id(), lpid, request.LastUpdateId, snapLpid)
	return self.session.Send(MsgProjectSnapshotReply, &ProjectSnapshotReplyBody{Success: true})
}

// fork materializes a new project from an update range and moves the
// requester onto it as owner.
func (self *Engine) fork(sourceLpid int, copyLpid int, upToUpdateId uint64, description string, pub uint32, sub uint32, hash string) (int, error) {
	oldLpid := self.session.Lpid()
	if 0 <= oldLpid {
		self.registry.Detach(oldLpid, self.session)
		self.session.leaveProject()
	}

	record := &ProjectRecord{
		Hash:        hash,
		Description: description,
		Owner:       self.session.Uid(),
		Pub:         pub & FullPermissions,
		Sub:         sub & FullPermissions,
	}
	lpid, gpid, err := CreateProject(self.ctx, self.store, record)
	if err != nil {
		// put the requester back where they were
		if 0 <= oldLpid {
			self.join(oldLpid)
		}
		return -1, err
	}
	if err := self.store.AddFork(self.ctx, lpid, sourceLpid); err != nil {
		glog.Errorf("[engine %s]forklist insert failed: %s\n", self.session.Id(), err)
	}
	count, err := self.store.CopyUpdates(self.ctx, copyLpid, upToUpdateId, lpid)
	if err != nil {
		glog.Errorf("[engine %s]fork copy failed: %s\n", self.session.Id(), err)
		// drop the empty fork record and put the requester back where they were
		if deleteErr := self.store.DeleteProject(self.ctx, lpid); deleteErr != nil {
			glog.Errorf("[engine %s]fork cleanup failed: %s\n", self.session.Id(), deleteErr)
		}
		if 0 <= oldLpid {
			self.join(oldLpid)
		}
		return -1, err
	}
	glog.V(1).Infof("[engine %s]project %d forked from %d, %d updates copied\n", self.session.Id(), lpid, sourceLpid, count)

	self.session.enterProject(lpid, gpid, hash, FullPermissions, FullPermissions)
	self.registry.Attach(lpid, self.session)
	return lpid, nil
}

func (self *Engine) handleProjectFork(body json.RawMessage) error {
	var request ProjectForkRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_fork_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	fail := func() error {
		return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{Success: false})
	}
	if self.volatile {
		self.session.SendError("server is volatile, forking is not available")
		return fail()
	}
	oldLpid := self.session.Lpid()
	if oldLpid < 0 {
		self.session.SendError("not attached to a project")
		return fail()
	}
	source, err := self.store.Project(self.ctx, oldLpid)
	if err != nil {
		return fail()
	}

	// the fork inherits the source project's masks
	_, err = self.fork(oldLpid, oldLpid, request.LastUpdateId, request.Description, source.Pub, source.Sub, source.Hash)
	if err != nil {
		self.session.SendError("fork failed, could not create forked project")
		return fail()
	}

	// everyone still on the old project may choose to migrate
	gpid := self.session.Gpid()
	for _, member := range self.registry.Members(oldLpid) {
		if member.Id() == self.session.Id() {
			continue
		}
		member.ForkFollow(self.session.User(), self.replyGpid(gpid), request.LastUpdateId, request.Description)
	}

	return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{
		Success: true,
		Gpid:    self.replyGpid(gpid),
	})
}

func (self *Engine) handleProjectSnapfork(body json.RawMessage) error {
	var request ProjectSnapforkRequestBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed project_snapfork_request")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	fail := func() error {
		return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{Success: false})
	}
	if self.volatile {
		self.session.SendError("server is volatile, forking snapshots is not available")
		return fail()
	}
	snap, err := self.store.Project(self.ctx, request.Lpid)
	if err != nil || !snap.IsSnapshot() || snap.Parent <= 0 {
		self.session.SendError("attempt to snapfork a project that is not a snapshot")
		return fail()
	}

	// copy from the snapshot's parent up to the snapshot's boundary, not
	// from the requester's live project
	_, err = self.fork(request.Lpid, snap.Parent, snap.SnapUpdateId, request.Description, request.Pub, request.Sub, snap.Hash)
	if err != nil {
		self.session.SendError("snapfork failed, could not create forked project")
		return fail()
	}
	return self.session.Send(MsgProjectJoinReply, &ProjectJoinReplyBody{
		Success: true,
		Gpid:    self.replyGpid(self.session.Gpid()),
	})
}

func (self *Engine) handleSendUpdates(body json.RawMessage) error {
	var request SendUpdatesBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed send_updates")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	if self.volatile {
		return self.session.SendError("server is volatile, updates to date are not stored")
	}
	lpid := self.session.Lpid()
	if lpid < 0 {
		return self.session.SendError("not attached to a project")
	}

	glog.V(1).Infof("[engine %s]catch-up for project %d after %d\n", self.session.Id(), lpid, request.LastUpdateId)
	return self.store.UpdatesAfter(self.ctx, lpid, request.LastUpdateId, func(record *UpdateRecord) error {
		return self.session.Post(&UpdateBody{
			Command:  record.Command,
			UpdateId: record.UpdateId,
			Payload:  record.Payload,
		})
	})
}

func (self *Engine) handleGetReqPerms(body json.RawMessage) error {
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	reqPub, reqSub := self.session.Requested()
	userPub, userSub := self.session.UserMasks()
	maxPub := userPub
	maxSub := userSub
	if lpid := self.session.Lpid(); 0 <= lpid {
		if record, err := self.store.Project(self.ctx, lpid); err == nil {
			maxPub = record.Pub & userPub
			maxSub = record.Sub & userSub
		}
	}
	return self.session.Send(MsgGetReqPermsReply, &PermsReplyBody{
		Pub:     reqPub,
		Sub:     reqSub,
		MaxPub:  maxPub,
		MaxSub:  maxSub,
		Options: PermStrings,
	})
}

func (self *Engine) handleSetReqPerms(body json.RawMessage) error {
	var request PermsBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed set_req_perms")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	self.session.setRequested(request.Pub, request.Sub)

	lpid := self.session.Lpid()
	if lpid < 0 {
		return nil
	}
	record, err := self.store.Project(self.ctx, lpid)
	if err != nil {
		return nil
	}
	if record.Owner == self.session.Uid() {
		glog.V(1).Infof("[engine %s]not honoring set_req_perms for owner\n", self.session.Id())
		return self.session.SendError("you are the owner, full permissions are granted")
	}
	self.session.applyProjectMasks(record.Pub, record.Sub)
	return nil
}

func (self *Engine) handleGetProjPerms(body json.RawMessage) error {
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	lpid := self.session.Lpid()
	if lpid < 0 {
		return self.session.SendError("not attached to a project")
	}
	record, err := self.store.Project(self.ctx, lpid)
	if err != nil {
		return self.session.SendError("project lookup failed")
	}
	if record.Owner != self.session.Uid() {
		return self.session.SendError("you are not the owner")
	}
	return self.session.Send(MsgGetProjPermsReply, &PermsReplyBody{
		Pub:     record.Pub,
		Sub:     record.Sub,
		MaxPub:  FullPermissions,
		MaxSub:  FullPermissions,
		Options: PermStrings,
	})
}

func (self *Engine) handleSetProjPerms(body json.RawMessage) error {
	var request PermsBody
	if err := json.Unmarshal(body, &request); err != nil {
		return self.session.SendError("malformed set_proj_perms")
	}
	if !self.session.Authenticated() {
		// nice try
		return nil
	}
	lpid := self.session.Lpid()
	if lpid < 0 {
		return self.session.SendError("not attached to a project")
	}
	record, err := self.store.Project(self.ctx, lpid)
	if err != nil {
		return self.session.SendError("project lookup failed")
	}
	if record.Owner != self.session.Uid() {
		return self.session.SendError("you are not the owner")
	}

	pub := request.Pub & FullPermissions
	sub := request.Sub & FullPermissions
	if err := self.store.SetProjectPerms(self.ctx, lpid, pub, sub); err != nil {
		glog.Errorf("[engine %s]set project perms failed: %s\n", self.session.Id(), err)
		return self.session.SendError("failed to update project permissions")
	}

	// push recomputed effective masks to everyone else on the project
	for _, member := range self.registry.Members(lpid) {
		if member.Id() == self.session.Id() || member.Uid() == record.Owner {
			continue
		}
		if member.applyProjectMasks(pub, sub) {
			member.SendError("your permissions have changed because the project owner changed project permissions")
		}
	}
	return nil
}

func (self *Engine) handleUpdate(body json.RawMessage) error {
	var update UpdateBody
	if err := json.Unmarshal(body, &update); err != nil {
		return self.session.SendError("malformed update")
	}
	pub, _ := self.session.Masks()
	if !self.session.Authenticated() || pub == 0 {
		glog.V(2).Infof("[engine %s]skipping post of command %d\n", self.session.Id(), update.Command)
		return nil
	}
	if !Allowed(update.Command, pub) {
		glog.V(1).Infof("[engine %s]not allowed to perform command %d\n", self.session.Id(), update.Command)
		return nil
	}
	lpid := self.session.Lpid()
	if lpid < 0 {
		return nil
	}
	if _, err := self.broker.Post(self.session, lpid, update.Command, update.Payload); err != nil {
		glog.Errorf("[engine %s]post failed: %s\n", self.session.Id(), err)
		return self.session.SendError("update could not be stored, not broadcast")
	}
	return nil
}
