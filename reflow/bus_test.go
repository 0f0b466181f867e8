package reflow

import (
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

type messageCollector struct {
	mutex    sync.Mutex
	messages []*BusMessage
}

func (self *messageCollector) collect(message *BusMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messages = append(self.messages, message)
}

func (self *messageCollector) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.messages)
}

func (self *messageCollector) First() *BusMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.messages[0]
}

// posts from `a` reach `b` and never `a` itself
func testBusDelivery(t *testing.T, a BusChannel, b BusChannel) {
	aMessages := &messageCollector{}
	bMessages := &messageCollector{}
	a.Subscribe(aMessages.collect)
	b.Subscribe(bMessages.collect)

	err := a.Post(NewBusMessage(string(EventSignout), map[string]any{
		"reason": SignoutReasonUser,
		"count":  3,
	}))
	assert.Equal(t, err, nil)

	waitFor(t, 10*time.Second, func() bool {
		return bMessages.Len() == 1
	})
	message := bMessages.First()
	assert.Equal(t, message.Type, string(EventSignout))
	assert.Equal(t, message.String("reason"), SignoutReasonUser)
	assert.Equal(t, message.Int("count", 0), 3)
	assert.Equal(t, message.Sender.IsZero(), false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, aMessages.Len(), 0)
	assert.Equal(t, bMessages.Len(), 1)
}

func TestLocalBus(t *testing.T) {
	bus := NewLocalBus()
	a, _ := bus.Open(AuthChannel("p1"))
	b, _ := bus.Open(AuthChannel("p1"))
	other, _ := bus.Open(AuthChannel("p2"))
	defer a.Close()
	defer b.Close()
	defer other.Close()

	otherMessages := &messageCollector{}
	other.Subscribe(otherMessages.collect)

	testBusDelivery(t, a, b)
	assert.Equal(t, otherMessages.Len(), 0)

	// an unsubscribed callback no longer receives
	bMessages := &messageCollector{}
	unsub := b.Subscribe(bMessages.collect)
	unsub()
	a.Post(NewBusMessage("modify", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, bMessages.Len(), 0)
}

func TestFileBus(t *testing.T) {
	dir := t.TempDir()
	// two processes sharing a state dir
	busA, err := NewFileBus(dir)
	assert.Equal(t, err, nil)
	busB, err := NewFileBus(dir)
	assert.Equal(t, err, nil)

	a, err := busA.Open(CartChannel("s1"))
	assert.Equal(t, err, nil)
	b, err := busB.Open(CartChannel("s1"))
	assert.Equal(t, err, nil)
	defer a.Close()
	defer b.Close()

	testBusDelivery(t, a, b)
}

func TestWebsocketBus(t *testing.T) {
	relay := NewBusRelayWithDefaults()
	server := httptest.NewServer(relay)
	defer server.Close()

	bus := NewWebsocketBusWithDefaults("ws" + strings.TrimPrefix(server.URL, "http"))
	a, err := bus.Open(AuthChannel("p1"))
	assert.Equal(t, err, nil)
	b, err := bus.Open(AuthChannel("p1"))
	assert.Equal(t, err, nil)
	defer a.Close()
	defer b.Close()

	waitFor(t, 10*time.Second, func() bool {
		return relay.ConnectionCount(AuthChannel("p1")) == 2
	})
	testBusDelivery(t, a, b)
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("REFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REFLOW_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	bus := NewRedisBus(rdb, "reflow-test")
	a, err := bus.Open(AuthChannel("p1"))
	assert.Equal(t, err, nil)
	b, err := bus.Open(AuthChannel("p1"))
	assert.Equal(t, err, nil)
	defer a.Close()
	defer b.Close()

	testBusDelivery(t, a, b)
}

func TestBusFrame(t *testing.T) {
	message := NewBusMessage(string(EventSignin), map[string]any{
		"key":   "k1",
		"user":  map[string]any{"id": 7, "name": "Ada"},
		"isNew": true,
	})
	message.Sender = NewId()

	frame, err := EncodeBusMessage(message)
	assert.Equal(t, err, nil)
	decoded, err := DecodeBusMessage(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, message.Type)
	assert.Equal(t, decoded.Sender, message.Sender)

	record := &authRecord{}
	assert.Equal(t, jsonConvert(decoded.Data, record), nil)
	assert.Equal(t, record.Key, "k1")
	assert.Equal(t, record.User.Id, int64(7))
	assert.Equal(t, decoded.Data["isNew"], true)

	_, err = DecodeBusMessage([]byte{0xff, 0x01})
	assert.NotEqual(t, err, nil)
}
