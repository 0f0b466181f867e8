package reflow

import (
	"sync"
)

type EventKind string

const (
	EventChange EventKind = "change"

	EventSignin    EventKind = "signin"
	EventSignout   EventKind = "signout"
	EventRegister  EventKind = "register"
	EventModify    EventKind = "modify"
	EventSubscribe EventKind = "subscribe"

	EventProductAdded          EventKind = "product-added"
	EventLineItemUpdated       EventKind = "line-item-updated"
	EventLineItemRemoved       EventKind = "line-item-removed"
	EventAddressUpdated        EventKind = "address-updated"
	EventDeliveryMethodChanged EventKind = "delivery-method-changed"
	EventLocationChanged       EventKind = "location-changed"
	EventShippingMethodChanged EventKind = "shipping-method-changed"
	EventDiscountCodeAdded     EventKind = "discount-code-added"
	EventDiscountCodeRemoved   EventKind = "discount-code-removed"
	EventTaxExemptionUpdated   EventKind = "tax-exemption-updated"
	EventTaxExemptionRemoved   EventKind = "tax-exemption-removed"
	EventCheckoutCompleted     EventKind = "checkout-completed"
	EventCartReset             EventKind = "cart-reset"
)

type Event interface {
	Kind() EventKind
}

// emitted after any other state event
type ChangeEvent struct {
	// the kind of the event that caused this change
	Cause EventKind
	// true when the change arrived from another tab
	Remote bool
}

func (ChangeEvent) Kind() EventKind { return EventChange }

type SigninEvent struct {
	User   *User
	Remote bool
}

func (SigninEvent) Kind() EventKind { return EventSignin }

const (
	SignoutReasonUser           = "user"
	SignoutReasonSessionInvalid = "session-invalid"
	SignoutReasonExpired        = "expired"
	SignoutReasonRemote         = "remote"
)

type SignoutEvent struct {
	Reason string
}

func (SignoutEvent) Kind() EventKind { return EventSignout }

type RegisterEvent struct {
	User *User
}

func (RegisterEvent) Kind() EventKind { return EventRegister }

type ModifyEvent struct {
	User         *User
	Subscription *Subscription
	// names of the record fields that changed, `user` and/or `subscription`
	Changed []string
	Remote  bool
}

func (ModifyEvent) Kind() EventKind { return EventModify }

type SubscribeEvent struct {
	Subscription *Subscription
	Remote       bool
}

func (SubscribeEvent) Kind() EventKind { return EventSubscribe }

// cart events carry the cart quantity reported by the quick call, or -1 when unknown
type CartEvent struct {
	EventKind EventKind
	Quantity  int
	Remote    bool
}

func (self CartEvent) Kind() EventKind { return self.EventKind }

type CheckoutCompletedEvent struct {
	OrderId string
	Remote  bool
}

func (CheckoutCompletedEvent) Kind() EventKind { return EventCheckoutCompleted }

type Listener interface {
	OnEvent(event Event)
}

// pointer identity makes registration of the same listener idempotent
type ListenerFunc struct {
	callback func(Event)
}

func NewListener(callback func(Event)) *ListenerFunc {
	return &ListenerFunc{
		callback: callback,
	}
}

func (self *ListenerFunc) OnEvent(event Event) {
	self.callback(event)
}

// synchronous listener registry keyed by event kind.
// Listeners run in registration order in the goroutine that calls `Trigger`.
type Emitter struct {
	mutex     sync.Mutex
	listeners map[EventKind]*CallbackList[Listener]
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: map[EventKind]*CallbackList[Listener]{},
	}
}

func (self *Emitter) callbacks(kind EventKind, create bool) *CallbackList[Listener] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks, ok := self.listeners[kind]
	if !ok && create {
		callbacks = NewCallbackList[Listener]()
		self.listeners[kind] = callbacks
	}
	return callbacks
}

// returns false if the listener is already registered for the kind
func (self *Emitter) On(kind EventKind, listener Listener) bool {
	return self.callbacks(kind, true).Add(listener)
}

func (self *Emitter) Off(kind EventKind, listener Listener) bool {
	if callbacks := self.callbacks(kind, false); callbacks != nil {
		return callbacks.Remove(listener)
	}
	return false
}

func (self *Emitter) ListenerCount(kind EventKind) int {
	if callbacks := self.callbacks(kind, false); callbacks != nil {
		return callbacks.Len()
	}
	return 0
}

func (self *Emitter) Trigger(event Event) {
	callbacks := self.callbacks(event.Kind(), false)
	if callbacks == nil {
		return
	}
	for _, listener := range callbacks.Get() {
		HandleError(func() {
			listener.OnEvent(event)
		})
	}
}

// typed subscription. `E` must be a value event type whose zero value reports its kind,
// which holds for every event except `CartEvent` (use `ListenCart`).
func Listen[E Event](emitter *Emitter, callback func(E)) (unsub func()) {
	var zero E
	listener := NewListener(func(event Event) {
		if e, ok := event.(E); ok {
			callback(e)
		}
	})
	kind := zero.Kind()
	emitter.On(kind, listener)
	return func() {
		emitter.Off(kind, listener)
	}
}

func ListenCart(emitter *Emitter, kind EventKind, callback func(CartEvent)) (unsub func()) {
	listener := NewListener(func(event Event) {
		if e, ok := event.(CartEvent); ok {
			callback(e)
		}
	})
	emitter.On(kind, listener)
	return func() {
		emitter.Off(kind, listener)
	}
}
