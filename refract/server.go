package refract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	// TCP listener for the newline delimited JSON profile
	ListenAddress string
	// optional websocket listener, empty disables it
	WsListenAddress string
	WsPath          string
	WriteTimeout    time.Duration
	// volatile servers keep everything in memory and advertise that in acks
	Volatile bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ListenAddress:   ":5042",
		WsListenAddress: "",
		WsPath:          "/refract",
		WriteTimeout:    30 * time.Second,
		Volatile:        false,
	}
}

// Server accepts transport connections and runs an engine per connection.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    Store
	registry *Registry
	broker   *Broker
	settings *ServerSettings

	stateLock sync.Mutex
	sessions  map[Id]*Session
	engines   map[Id]*Engine
	listener  net.Listener
	wsServer  *http.Server
}

func NewServerWithDefaults(ctx context.Context, store Store) *Server {
	return NewServer(ctx, store, DefaultServerSettings())
}

func NewServer(ctx context.Context, store Store, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		registry: NewRegistry(),
		settings: settings,
		sessions: map[Id]*Session{},
		engines:  map[Id]*Engine{},
	}
	server.broker = NewBroker(cancelCtx, store, server.registry, server.teardownSession)
	return server
}

func (self *Server) Registry() *Registry {
	return self.registry
}

func (self *Server) Broker() *Broker {
	return self.broker
}

func (self *Server) Store() Store {
	return self.store
}

// ListenAndServe blocks until the server shuts down.
func (self *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", self.settings.ListenAddress)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.listener = listener
	self.stateLock.Unlock()
	glog.Infof("[server]listening on %s\n", listener.Addr())

	if self.settings.WsListenAddress != "" {
		go self.serveWs()
	}
	go func() {
		select {
		case <-self.ctx.Done():
			self.Shutdown()
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
			glog.Errorf("[server]accept: %s\n", err)
			continue
		}
		go self.serveConn(newStreamWire(conn))
	}
}

func (self *Server) serveWs() {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(self.settings.WsPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Errorf("[server]ws upgrade: %s\n", err)
			return
		}
		self.serveConn(newWsWire(ws))
	})
	wsServer := &http.Server{
		Addr:    self.settings.WsListenAddress,
		Handler: mux,
	}
	self.stateLock.Lock()
	self.wsServer = wsServer
	self.stateLock.Unlock()
	glog.Infof("[server]websocket listening on %s\n", self.settings.WsListenAddress)
	if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("[server]ws listen: %s\n", err)
	}
}

func (self *Server) serveConn(conn wireConn) {
	session := NewSession(self.ctx, conn, self.settings.WriteTimeout)
	engine := NewEngine(self.ctx, self.store, self.registry, self.broker, session, self.settings.Volatile)

	self.stateLock.Lock()
	self.sessions[session.Id()] = session
	self.engines[session.Id()] = engine
	self.stateLock.Unlock()

	glog.V(1).Infof("[server]session %s from %s\n", session.Id(), session.RemoteAddr())
	engine.Run()

	self.stateLock.Lock()
	delete(self.sessions, session.Id())
	delete(self.engines, session.Id())
	self.stateLock.Unlock()
	glog.V(1).Infof("[server]session %s closed\n", session.Id())
}

// teardownSession is how the broker drops a peer that failed delivery.
func (self *Server) teardownSession(session *Session) {
	self.stateLock.Lock()
	engine := self.engines[session.Id()]
	self.stateLock.Unlock()

	if engine != nil {
		engine.Teardown()
	} else {
		session.Terminate()
	}
}

func (self *Server) Sessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sessions := make([]*Session, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// ListConnections renders the connection table for the management sideband.
func (self *Server) ListConnections() string {
	out := &strings.Builder{}
	fmt.Fprintf(out, "%-38s %-22s %-10s %-10s %-7s %s\n", "Session", "Address", "Pub", "Sub", "PID", "User")
	count := 0
	for _, session := range self.Sessions() {
		pub, sub := session.Masks()
		fmt.Fprintf(out, "%-38s %-22s %08x   %08x   %-7d %s\n",
			session.Id(),
			session.RemoteAddr(),
			pub,
			sub,
			session.Lpid(),
			session.User(),
		)
		count += 1
	}
	if count == 0 {
		out.WriteString(" - none -\n")
	}
	return out.String()
}

// DumpStats renders per session rx/tx counters for the management sideband.
func (self *Server) DumpStats() string {
	out := &strings.Builder{}
	out.WriteString("Stats:\n")
	count := 0
	for _, session := range self.Sessions() {
		out.WriteString(session.DumpStats())
		count += 1
	}
	if count == 0 {
		out.WriteString(" - none -\n")
	}
	return out.String()
}

// MigrateProject inserts a project that originated on another server,
// keeping its gpid. Exposed to the management sideband.
func (self *Server) MigrateProject(owner int, gpid string, hash string, description string, pub uint32, sub uint32) (int, error) {
	if !IsHexToken(gpid, GpidSize) {
		return -1, fmt.Errorf("bad gpid %s", gpid)
	}
	record := &ProjectRecord{
		Gpid:        gpid,
		Hash:        hash,
		Description: description,
		Owner:       owner,
		Pub:         pub & FullPermissions,
		Sub:         sub & FullPermissions,
	}
	lpid, err := self.store.AddProject(self.ctx, record)
	if err != nil {
		return -1, err
	}
	glog.Infof("[server]migrated project %s as %d\n", gpid, lpid)
	return lpid, nil
}

// MigrateUpdate attributes a historical update to a migrated project. It
// bypasses the broker: nobody can be attached to a project that is still
// migrating, and the copied ids must not interleave with live traffic.
func (self *Server) MigrateUpdate(owner int, lpid int, command int, payload []byte) error {
	_, err := self.store.AppendUpdate(self.ctx, owner, lpid, command, payload)
	return err
}

func (self *Server) Shutdown() {
	self.cancel()

	self.stateLock.Lock()
	listener := self.listener
	wsServer := self.wsServer
	sessions := make([]*Session, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.stateLock.Unlock()

	if listener != nil {
		listener.Close()
	}
	if wsServer != nil {
		wsServer.Close()
	}
	for _, session := range sessions {
		session.Terminate()
	}
	self.broker.Close()
}
