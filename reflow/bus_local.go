package reflow

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

const LocalBusBufferSize = 64

// LocalBus connects SDK instances within one process.
// Delivery is asynchronous, like a browser broadcast channel.
type LocalBus struct {
	mutex    sync.Mutex
	channels map[string]map[*localBusChannel]bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		channels: map[string]map[*localBusChannel]bool{},
	}
}

func (self *LocalBus) Open(channel string) (BusChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	busChannel := &localBusChannel{
		ctx:         ctx,
		cancel:      cancel,
		bus:         self,
		name:        channel,
		subscribers: newBusSubscribers(),
		receive:     make(chan *BusMessage, LocalBusBufferSize),
	}
	self.mutex.Lock()
	handles, ok := self.channels[channel]
	if !ok {
		handles = map[*localBusChannel]bool{}
		self.channels[channel] = handles
	}
	handles[busChannel] = true
	self.mutex.Unlock()

	go busChannel.run()
	return busChannel, nil
}

func (self *LocalBus) peers(channel string) []*localBusChannel {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := []*localBusChannel{}
	for handle := range self.channels[channel] {
		peers = append(peers, handle)
	}
	return peers
}

func (self *LocalBus) remove(busChannel *localBusChannel) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if handles, ok := self.channels[busChannel.name]; ok {
		delete(handles, busChannel)
		if len(handles) == 0 {
			delete(self.channels, busChannel.name)
		}
	}
}

type localBusChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus         *LocalBus
	name        string
	subscribers *busSubscribers
	receive     chan *BusMessage
}

func (self *localBusChannel) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.receive:
			self.subscribers.dispatch(message)
		}
	}
}

func (self *localBusChannel) Post(message *BusMessage) error {
	stamped := self.subscribers.stamp(message)
	for _, peer := range self.bus.peers(self.name) {
		if peer == self {
			continue
		}
		select {
		case <-peer.ctx.Done():
		case peer.receive <- stamped.Clone():
		default:
			glog.Infof("[bus]%s drop %s, receiver backlog\n", self.name, message.Type)
		}
	}
	return nil
}

func (self *localBusChannel) Subscribe(callback func(*BusMessage)) func() {
	return self.subscribers.add(callback)
}

func (self *localBusChannel) Close() {
	self.cancel()
	self.bus.remove(self)
	self.subscribers.clear()
}
