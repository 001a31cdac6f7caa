package refract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Session is the server side state for one connected client. Wire writes
// are serialized by sendLock so the broker, the handler goroutine, and the
// management sideband can all deliver to the same client safely.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn         wireConn
	id           Id
	startTime    time.Time
	writeTimeout time.Duration

	stateLock     sync.Mutex
	authenticated bool
	uid           int
	user          string
	hash          string
	lpid          int
	gpid          string
	// effective masks while attached to a project
	pub uint32
	sub uint32
	// masks granted to the user account
	userPub uint32
	userSub uint32
	// masks the client asked for, defaults until set_req_perms
	reqPub uint32
	reqSub uint32

	sendLock sync.Mutex
	rxStats  map[string]uint64
	txStats  map[string]uint64
}

func NewSession(ctx context.Context, conn wireConn, writeTimeout time.Duration) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:          cancelCtx,
		cancel:       cancel,
		conn:         conn,
		id:           NewId(),
		startTime:    time.Now(),
		writeTimeout: writeTimeout,
		uid:          InvalidUser,
		lpid:         -1,
		reqPub:       DefaultPub,
		reqSub:       DefaultSub,
		rxStats:      map[string]uint64{},
		txStats:      map[string]uint64{},
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) RemoteAddr() string {
	return self.conn.RemoteAddr().String()
}

func (self *Session) Authenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authenticated
}

func (self *Session) Uid() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.uid
}

func (self *Session) User() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.user
}

func (self *Session) Hash() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hash
}

func (self *Session) Lpid() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lpid
}

func (self *Session) Gpid() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.gpid
}

func (self *Session) Masks() (pub uint32, sub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pub, self.sub
}

func (self *Session) UserMasks() (pub uint32, sub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userPub, self.userSub
}

func (self *Session) Requested() (pub uint32, sub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reqPub, self.reqSub
}

func (self *Session) setAuthenticated(uid int, user string, userPub uint32, userSub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authenticated = true
	self.uid = uid
	self.user = user
	self.userPub = userPub
	self.userSub = userSub
}

func (self *Session) setHash(hash string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.hash = hash
}

func (self *Session) setRequested(pub uint32, sub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reqPub = pub & FullPermissions
	self.reqSub = sub & FullPermissions
}

func (self *Session) enterProject(lpid int, gpid string, hash string, pub uint32, sub uint32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lpid = lpid
	self.gpid = gpid
	self.hash = hash
	self.pub = pub
	self.sub = sub
}

func (self *Session) leaveProject() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lpid = -1
	self.gpid = ""
	self.pub = 0
	self.sub = 0
}

// applyProjectMasks recomputes the effective masks against new project
// masks. Reports whether the effective values actually changed.
func (self *Session) applyProjectMasks(projectPub uint32, projectSub uint32) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pub := EffectiveMask(projectPub, self.userPub, self.reqPub)
	sub := EffectiveMask(projectSub, self.userSub, self.reqSub)
	changed := pub != self.pub || sub != self.sub
	self.pub = pub
	self.sub = sub
	return changed
}

// send counts the envelope into the tx stats and writes it with the
// session write timeout
func (self *Session) send(envelope *Envelope) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.txStats[envelope.Type] += 1
	return self.conn.WriteEnvelope(envelope, self.writeTimeout)
}

func (self *Session) Send(messageType string, body any) error {
	envelope, err := NewEnvelope(messageType, body)
	if err != nil {
		return err
	}
	return self.send(envelope)
}

func (self *Session) SendError(text string) error {
	glog.V(2).Infof("[session %s]error to %s: %s\n", self.id, self.RemoteAddr(), text)
	return self.Send(MsgError, &ErrorBody{Text: text})
}

// SendFatal tells the client the condition is not recoverable. The caller
// is expected to terminate the session after.
func (self *Session) SendFatal(text string) error {
	glog.V(1).Infof("[session %s]fatal to %s: %s\n", self.id, self.RemoteAddr(), text)
	return self.Send(MsgFatal, &ErrorBody{Text: text})
}

func (self *Session) ForkFollow(user string, gpid string, lastUpdateId uint64, description string) error {
	return self.Send(MsgProjectForkFollow, &ProjectForkFollowBody{
		User:         user,
		Gpid:         gpid,
		LastUpdateId: lastUpdateId,
		Description:  description,
	})
}

// Post delivers one project update, gated on the session's effective
// subscribe mask.
func (self *Session) Post(update *UpdateBody) error {
	self.stateLock.Lock()
	sub := self.sub
	authenticated := self.authenticated
	self.stateLock.Unlock()

	if !authenticated {
		return nil
	}
	if !Allowed(update.Command, sub) {
		return nil
	}
	return self.Send(MsgUpdate, update)
}

func (self *Session) countRx(messageType string) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.rxStats[messageType] += 1
}

// DumpStats renders the per message type rx and tx counters for the
// management sideband.
func (self *Session) DumpStats() string {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	out := &strings.Builder{}
	fmt.Fprintf(out, "session %s (%s) up %s\n", self.id, self.RemoteAddr(), time.Since(self.startTime).Round(time.Second))
	types := map[string]bool{}
	for messageType := range self.rxStats {
		types[messageType] = true
	}
	for messageType := range self.txStats {
		types[messageType] = true
	}
	sorted := maps.Keys(types)
	sort.Strings(sorted)
	for _, messageType := range sorted {
		fmt.Fprintf(out, "  %-28s rx:%-8d tx:%d\n", messageType, self.rxStats[messageType], self.txStats[messageType])
	}
	return out.String()
}

func (self *Session) Terminate() {
	self.cancel()
	self.conn.Close()
}
