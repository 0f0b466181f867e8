package reflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Bus relays typed messages between SDK instances of the same entity ("tabs").
// Delivery is fire-and-forget with no ordering guarantee. A channel never delivers
// a message back to the channel handle that posted it.
type Bus interface {
	Open(channel string) (BusChannel, error)
}

type BusChannel interface {
	Post(message *BusMessage) error
	Subscribe(callback func(*BusMessage)) (unsub func())
	Close()
}

func AuthChannel(projectId string) string {
	return fmt.Sprintf("reflow-auth-%s", projectId)
}

func CartChannel(storeId string) string {
	return fmt.Sprintf("reflow-cart-%s", storeId)
}

// json shape `{type, sender, ...data}`
type BusMessage struct {
	Type   string
	Sender Id
	Data   map[string]any
}

func NewBusMessage(messageType string, data map[string]any) *BusMessage {
	if data == nil {
		data = map[string]any{}
	}
	return &BusMessage{
		Type: messageType,
		Data: data,
	}
}

func (self *BusMessage) String(key string) string {
	if v, ok := self.Data[key].(string); ok {
		return v
	}
	return ""
}

func (self *BusMessage) Int(key string, defaultValue int) int {
	switch v := self.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return defaultValue
	}
}

func (self *BusMessage) MarshalJSON() ([]byte, error) {
	flat := map[string]any{}
	for k, v := range self.Data {
		flat[k] = v
	}
	flat["type"] = self.Type
	if !self.Sender.IsZero() {
		flat["sender"] = self.Sender.String()
	}
	return json.Marshal(flat)
}

func (self *BusMessage) UnmarshalJSON(src []byte) error {
	flat := map[string]any{}
	if err := json.Unmarshal(src, &flat); err != nil {
		return err
	}
	return self.fromFlat(flat)
}

func (self *BusMessage) fromFlat(flat map[string]any) error {
	messageType, ok := flat["type"].(string)
	if !ok || messageType == "" {
		return fmt.Errorf("Bus message missing type.")
	}
	self.Type = messageType
	self.Sender = Id{}
	if senderStr, ok := flat["sender"].(string); ok {
		sender, err := ParseId(senderStr)
		if err != nil {
			return err
		}
		self.Sender = sender
	}
	delete(flat, "type")
	delete(flat, "sender")
	self.Data = flat
	return nil
}

// clone through json so receivers never share maps with the sender
func (self *BusMessage) Clone() *BusMessage {
	b, err := json.Marshal(self)
	if err != nil {
		return NewBusMessage(self.Type, nil)
	}
	out := &BusMessage{}
	if err := json.Unmarshal(b, out); err != nil {
		return NewBusMessage(self.Type, nil)
	}
	return out
}

// binary frame for the redis and websocket transports
func EncodeBusMessage(message *BusMessage) ([]byte, error) {
	flat := map[string]any{}
	// normalize data to json types, which is what structpb accepts
	if err := jsonConvert(message, &flat); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(flat)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func DecodeBusMessage(frame []byte) (*BusMessage, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(frame, s); err != nil {
		return nil, err
	}
	message := &BusMessage{}
	if err := message.fromFlat(s.AsMap()); err != nil {
		return nil, err
	}
	return message, nil
}

// subscriber bookkeeping shared by the transports.
// Each handle has a sender id and drops its own messages.
type busSubscribers struct {
	sender    Id
	mutex     sync.Mutex
	callbacks map[Id]func(*BusMessage)
}

func newBusSubscribers() *busSubscribers {
	return &busSubscribers{
		sender:    NewId(),
		callbacks: map[Id]func(*BusMessage){},
	}
}

func (self *busSubscribers) add(callback func(*BusMessage)) func() {
	callbackId := NewId()
	self.mutex.Lock()
	self.callbacks[callbackId] = callback
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *busSubscribers) stamp(message *BusMessage) *BusMessage {
	stamped := message.Clone()
	stamped.Sender = self.sender
	return stamped
}

func (self *busSubscribers) dispatch(message *BusMessage) {
	if message.Sender == self.sender {
		return
	}
	self.mutex.Lock()
	callbacks := make([]func(*BusMessage), 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()

	if glog.V(2) {
		glog.Infof("[bus]<- %s from %s\n", message.Type, message.Sender)
	}
	for _, callback := range callbacks {
		HandleError(func() {
			callback(message.Clone())
		})
	}
}

func (self *busSubscribers) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	clear(self.callbacks)
}

// opens the channel or returns nil, degrading to single tab operation
func openBusChannel(bus Bus, channel string) BusChannel {
	if bus == nil {
		glog.V(1).Infof("[bus]%s no bus, single tab only\n", channel)
		return nil
	}
	busChannel, err := bus.Open(channel)
	if err != nil {
		glog.Infof("[bus]%s open error = %s, single tab only\n", channel, err)
		return nil
	}
	return busChannel
}
