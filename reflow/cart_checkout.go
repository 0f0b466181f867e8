package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

const CheckoutStatusCompleted = "completed"

// payment providers that complete without a hosted page
var offlinePaymentProviders = map[string]bool{
	"pay-in-store": true,
	"custom":       true,
}

type Order struct {
	Id       string `json:"id"`
	Number   string `json:"number,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type CheckoutOptions struct {
	PaymentProvider string
	PaymentMethod   string
	Email           string
	Phone           string
	Address         *Address
}

// CheckoutFlow is one checkout. It is done when the checkout popup closes.
type CheckoutFlow struct {
	id      Id
	cartKey string

	mutex     sync.Mutex
	completed bool
	orderId   string
	polling   atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func newCheckoutFlow(cartKey string) *CheckoutFlow {
	return &CheckoutFlow{
		id:      NewId(),
		cartKey: cartKey,
		done:    make(chan struct{}),
	}
}

func (self *CheckoutFlow) Id() Id {
	return self.id
}

func (self *CheckoutFlow) Done() <-chan struct{} {
	return self.done
}

func (self *CheckoutFlow) Completed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.completed
}

func (self *CheckoutFlow) OrderId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.orderId
}

// returns false if already completed
func (self *CheckoutFlow) complete(orderId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.completed {
		return false
	}
	self.completed = true
	self.orderId = orderId
	return true
}

func (self *CheckoutFlow) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
	case <-self.done:
	}
	return self.Completed()
}

type checkoutResult struct {
	Status      string `json:"status"`
	Order       *Order `json:"order"`
	CheckoutUrl string `json:"checkoutURL"`
}

func (self *checkoutResult) orderId() string {
	if self.Order == nil {
		return ""
	}
	return self.Order.Id
}

func (self *Cart) isHosted(state *CartState, provider string) bool {
	for _, paymentProvider := range state.PaymentProviders {
		if paymentProvider.Provider == provider {
			return paymentProvider.Hosted
		}
	}
	return !offlinePaymentProviders[provider]
}

// the checkout in progress, or nil
func (self *Cart) CheckoutFlow() *CheckoutFlow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.checkout
}

// Checkout places the order. Hosted payment providers continue in the popup, which is opened
// before any network call; the flow completes when the checkout status reports completion.
func (self *Cart) Checkout(ctx context.Context, options *CheckoutOptions) (*CheckoutFlow, error) {
	record := self.record()
	if record.CartKey == "" || (len(record.Products) == 0 && record.Quantity == 0) {
		return nil, ErrEmptyCart
	}
	if record.HasFatalErrors() {
		return nil, ErrCartHasErrors
	}
	generation := self.currentGeneration()
	hosted := self.isHosted(&record.CartState, options.PaymentProvider)
	if hosted && self.popup == nil {
		return nil, ErrNoHost
	}

	self.mutex.Lock()
	if self.checkout != nil {
		self.mutex.Unlock()
		return nil, ErrOperationInProgress
	}
	flow := newCheckoutFlow(record.CartKey)
	self.checkout = flow
	self.mutex.Unlock()

	if hosted {
		opened, err := self.popup.Open(&PopupOpenOptions{
			OnParentRefocus: func() {
				self.pollCheckout(flow)
			},
			OnClose: func() {
				self.endCheckout(flow)
			},
		})
		if err != nil {
			self.endCheckout(flow)
			return nil, err
		}
		if !opened {
			self.endCheckout(flow)
			return nil, ErrOperationInProgress
		}
		go self.runCheckoutPoll(flow)
	}

	form := url.Values{}
	form.Set("paymentProvider", options.PaymentProvider)
	if options.PaymentMethod != "" {
		form.Set("paymentMethod", options.PaymentMethod)
	}
	if options.Email != "" {
		form.Set("email", options.Email)
	}
	if options.Phone != "" {
		form.Set("phone", options.Phone)
	}
	if options.Address != nil {
		addressBytes, err := json.Marshal(options.Address)
		if err != nil {
			self.abortCheckout(flow)
			return nil, err
		}
		form.Set("address", string(addressBytes))
	}
	deliveryMethod := record.DefaultDeliveryMethod(record.DeliveryMethod)
	form.Set("deliveryMethod", string(deliveryMethod))
	switch deliveryMethod {
	case DeliveryPickup:
		if location := record.Location(); location != nil {
			form.Set("locationID", strconv.FormatInt(location.Id, 10))
		}
	case DeliveryShipping:
		if shippingMethod := record.ShippingMethod(); shippingMethod != nil {
			form.Set("shippingMethodID", strconv.FormatInt(shippingMethod.Id, 10))
		}
	}
	if returnUrlHost, ok := self.env.Host.(ReturnUrlHost); ok && hosted {
		form.Set("returnURL", returnUrlHost.ReturnURL())
	}

	result, err := fetchJson[*checkoutResult](ctx, self.api, self.cartEndpoint(record.CartKey, "checkout"), &FetchOptions{
		Form:  form,
		Token: self.token(),
	})
	if err != nil {
		self.abortCheckout(flow)
		if IsEntityNotFound(err) {
			self.reset(generation)
		}
		return nil, err
	}
	if result == nil {
		result = &checkoutResult{}
	}

	if result.Status == CheckoutStatusCompleted {
		self.completeCheckout(flow, result.orderId())
		return flow, nil
	}
	if result.CheckoutUrl == "" || !hosted {
		self.abortCheckout(flow)
		return nil, fmt.Errorf("Checkout did not complete, status = %s.", result.Status)
	}
	if err := self.popup.SetURL(result.CheckoutUrl); err != nil {
		self.abortCheckout(flow)
		return nil, err
	}
	glog.V(1).Infof("[cart]%s checkout %s in popup\n", self.storeId, flow.id)
	return flow, nil
}

func (self *Cart) endCheckout(flow *CheckoutFlow) {
	flow.doneOnce.Do(func() {
		self.mutex.Lock()
		if self.checkout == flow {
			self.checkout = nil
		}
		self.mutex.Unlock()
		close(flow.done)
		glog.V(1).Infof("[cart]%s checkout %s ended, completed = %t\n", self.storeId, flow.id, flow.Completed())
	})
}

func (self *Cart) abortCheckout(flow *CheckoutFlow) {
	if self.popup != nil {
		self.popup.Close()
	}
	self.endCheckout(flow)
}

// polls while the popup is open, for hosts where the payment page never returns focus
func (self *Cart) runCheckoutPoll(flow *CheckoutFlow) {
	ticker := self.env.Clock.Ticker(self.settings.CheckoutPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-flow.done:
			return
		case <-ticker.C:
			HandleError(func() {
				self.pollCheckout(flow)
			})
		}
	}
}

type checkoutStatusResult struct {
	Status string `json:"status"`
	Order  *Order `json:"order"`
}

func (self *Cart) pollCheckout(flow *CheckoutFlow) {
	if flow.Completed() {
		return
	}
	if !flow.polling.CompareAndSwap(false, true) {
		return
	}
	defer flow.polling.Store(false)

	generation := self.currentGeneration()
	result, err := fetchJson[*checkoutStatusResult](self.ctx, self.api, self.cartEndpoint(flow.cartKey, "checkout-status"), &FetchOptions{
		Token: self.token(),
	})
	if err != nil {
		if IsEntityNotFound(err) {
			self.reset(generation)
			self.abortCheckout(flow)
		}
		glog.V(1).Infof("[cart]%s checkout status error = %s\n", self.storeId, err)
		return
	}
	if result == nil || result.Status != CheckoutStatusCompleted {
		return
	}
	orderId := ""
	if result.Order != nil {
		orderId = result.Order.Id
	}
	self.completeCheckout(flow, orderId)
}

// drops the cart key, since the cart became an order
func (self *Cart) completeCheckout(flow *CheckoutFlow, orderId string) {
	if !flow.complete(orderId) {
		return
	}

	self.mutex.Lock()
	if self.record().CartKey == flow.cartKey {
		self.generation += 1
		self.store.Clear()
	}
	self.mutex.Unlock()
	self.debouncer.CancelPending()

	if self.popup != nil {
		self.popup.Close()
	}
	self.endCheckout(flow)

	glog.V(1).Infof("[cart]%s checkout completed, order %s\n", self.storeId, orderId)
	self.emit(
		CheckoutCompletedEvent{OrderId: orderId},
		ChangeEvent{Cause: EventCheckoutCompleted},
	)
	self.broadcast(string(EventCheckoutCompleted), map[string]any{
		"cartKey": flow.cartKey,
		"orderId": orderId,
	})
}
