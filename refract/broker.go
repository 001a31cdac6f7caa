package refract

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type queuedUpdate struct {
	lpid       int
	originator *Session
	update     *UpdateBody
}

// Broker serializes all project updates through one queue and one consumer.
// Post appends to the store and enqueues under the same lock, so the wire
// order every member observes is the store's log order.
type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    Store
	registry *Registry
	// called for members whose delivery failed, after the fan out
	teardown func(*Session)

	queueLock sync.Mutex
	queueCond *sync.Cond
	queue     []*queuedUpdate
	closed    bool
}

func NewBroker(ctx context.Context, store Store, registry *Registry, teardown func(*Session)) *Broker {
	cancelCtx, cancel := context.WithCancel(ctx)
	if teardown == nil {
		teardown = func(session *Session) {
			session.Terminate()
		}
	}
	broker := &Broker{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		registry: registry,
		teardown: teardown,
	}
	broker.queueCond = sync.NewCond(&broker.queueLock)
	go broker.run()
	go func() {
		select {
		case <-cancelCtx.Done():
			broker.Close()
		}
	}()
	return broker
}

// Post stores the update and queues it for broadcast. The returned id is
// the position the update took in the project log.
func (self *Broker) Post(originator *Session, lpid int, command int, payload []byte) (uint64, error) {
	self.queueLock.Lock()
	defer self.queueLock.Unlock()

	if self.closed {
		return 0, context.Canceled
	}

	updateId, err := self.store.AppendUpdate(self.ctx, originator.Uid(), lpid, command, payload)
	if err != nil {
		return 0, err
	}
	self.queue = append(self.queue, &queuedUpdate{
		lpid:       lpid,
		originator: originator,
		update: &UpdateBody{
			Command:  command,
			UpdateId: updateId,
			User:     originator.User(),
			Payload:  payload,
		},
	})
	self.queueCond.Signal()
	return updateId, nil
}

func (self *Broker) run() {
	for {
		self.queueLock.Lock()
		for len(self.queue) == 0 && !self.closed {
			self.queueCond.Wait()
		}
		if len(self.queue) == 0 {
			self.queueLock.Unlock()
			return
		}
		next := self.queue[0]
		self.queue = self.queue[1:]
		self.queueLock.Unlock()

		self.broadcast(next)
	}
}

func (self *Broker) broadcast(next *queuedUpdate) {
	// membership is resolved now, not at enqueue time
	members := self.registry.Members(next.lpid)
	failed := []*Session{}
	for _, member := range members {
		if member.Id() == next.originator.Id() {
			err := member.Send(MsgAckUpdateid, &AckUpdateidBody{
				UpdateId: next.update.UpdateId,
				Stored:   self.store.Durable(),
			})
			if err != nil {
				failed = append(failed, member)
			}
			continue
		}
		if err := member.Post(next.update); err != nil {
			failed = append(failed, member)
		}
	}
	for _, member := range failed {
		glog.V(1).Infof("[broker]dropping session %s after failed delivery\n", member.Id())
		self.teardown(member)
	}
}

func (self *Broker) QueueDepth() int {
	self.queueLock.Lock()
	defer self.queueLock.Unlock()
	return len(self.queue)
}

func (self *Broker) Close() {
	self.cancel()
	self.queueLock.Lock()
	defer self.queueLock.Unlock()
	self.closed = true
	self.queueCond.Broadcast()
}
