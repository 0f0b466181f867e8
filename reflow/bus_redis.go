package reflow

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisBus relays messages over redis pub/sub, for instances on different hosts.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBus(rdb *redis.Client, prefix string) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (self *RedisBus) Open(channel string) (BusChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	name := self.prefix + channel
	pubsub := self.rdb.Subscribe(ctx, name)
	// wait for the subscription confirmation so posts right after open are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		return nil, err
	}
	busChannel := &redisBusChannel{
		ctx:         ctx,
		cancel:      cancel,
		rdb:         self.rdb,
		name:        name,
		pubsub:      pubsub,
		subscribers: newBusSubscribers(),
	}
	go busChannel.run()
	return busChannel, nil
}

type redisBusChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	rdb         *redis.Client
	name        string
	pubsub      *redis.PubSub
	subscribers *busSubscribers
}

func (self *redisBusChannel) run() {
	defer self.pubsub.Close()
	messages := self.pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				return
			}
			message, err := DecodeBusMessage([]byte(m.Payload))
			if err != nil {
				glog.Infof("[bus]%s bad message = %s\n", self.name, err)
				continue
			}
			self.subscribers.dispatch(message)
		}
	}
}

func (self *redisBusChannel) Post(message *BusMessage) error {
	frame, err := EncodeBusMessage(self.subscribers.stamp(message))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(self.ctx, 5*time.Second)
	defer cancel()
	return self.rdb.Publish(ctx, self.name, frame).Err()
}

func (self *redisBusChannel) Subscribe(callback func(*BusMessage)) func() {
	return self.subscribers.add(callback)
}

func (self *redisBusChannel) Close() {
	self.cancel()
	self.subscribers.clear()
}
