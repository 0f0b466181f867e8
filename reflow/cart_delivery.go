package reflow

import (
	"github.com/golang/glog"
)

type DeliveryMethod string

const (
	DeliveryDigital  DeliveryMethod = "digital"
	DeliveryShipping DeliveryMethod = "shipping"
	DeliveryPickup   DeliveryMethod = "pickup"
)

func (self *CartState) IsPhysical() bool {
	for _, product := range self.Products {
		if product.Type == ProductPhysical {
			return true
		}
	}
	return false
}

func (self *CartState) CanShip() bool {
	return len(self.ShippingCountries) != 0 || len(self.ShippingMethods) != 0
}

func (self *CartState) CanPickup() bool {
	return len(self.Locations) != 0
}

// digital-only carts take only `digital`. Physical carts take the methods the store offers.
func (self *CartState) IsDeliveryMethodValid(method DeliveryMethod) bool {
	if !self.IsPhysical() {
		return method == DeliveryDigital
	}
	switch method {
	case DeliveryShipping:
		return self.CanShip()
	case DeliveryPickup:
		return self.CanPickup()
	default:
		return false
	}
}

func (self *CartState) ValidDeliveryMethods() []DeliveryMethod {
	methods := []DeliveryMethod{}
	for _, method := range []DeliveryMethod{DeliveryDigital, DeliveryShipping, DeliveryPickup} {
		if self.IsDeliveryMethodValid(method) {
			methods = append(methods, method)
		}
	}
	return methods
}

// the first valid preference, else `shipping`, else `pickup`.
// A physical cart the store can neither ship nor hand over stays on `shipping`
// and the server reports the cart error.
func (self *CartState) DefaultDeliveryMethod(preferences ...DeliveryMethod) DeliveryMethod {
	if !self.IsPhysical() {
		return DeliveryDigital
	}
	for _, method := range preferences {
		if method != "" && self.IsDeliveryMethodValid(method) {
			return method
		}
	}
	if self.CanShip() {
		return DeliveryShipping
	}
	if self.CanPickup() {
		return DeliveryPickup
	}
	return DeliveryShipping
}

// the selected pickup location, or nil
func (self *CartState) Location() *PickupLocation {
	if 0 <= self.SelectedLocation && self.SelectedLocation < len(self.Locations) {
		return self.Locations[self.SelectedLocation]
	}
	return nil
}

// the selected shipping method, or nil
func (self *CartState) ShippingMethod() *ShippingMethod {
	if 0 <= self.SelectedShippingMethod && self.SelectedShippingMethod < len(self.ShippingMethods) {
		return self.ShippingMethods[self.SelectedShippingMethod]
	}
	return nil
}

// index of the entry flagged chosen, else of the entry with `previousId`, else 0
func chosenIndex[T any](items []T, chosen func(T) bool, id func(T) int64, previousId int64) int {
	for i, item := range items {
		if chosen(item) {
			return i
		}
	}
	if previousId != 0 {
		for i, item := range items {
			if id(item) == previousId {
				return i
			}
		}
	}
	return 0
}

// reconcile derives the client side fields of a server cart `next` from the cached `previous`.
// Selected indices are recomputed since the arrays were replaced.
func reconcile(previous *CartState, next *CartState) {
	var previousLocationId int64
	if location := previous.Location(); location != nil {
		previousLocationId = location.Id
	}
	next.SelectedLocation = chosenIndex(
		next.Locations,
		func(location *PickupLocation) bool { return location.Chosen },
		func(location *PickupLocation) int64 { return location.Id },
		previousLocationId,
	)

	var previousShippingMethodId int64
	if shippingMethod := previous.ShippingMethod(); shippingMethod != nil {
		previousShippingMethodId = shippingMethod.Id
	}
	next.SelectedShippingMethod = chosenIndex(
		next.ShippingMethods,
		func(shippingMethod *ShippingMethod) bool { return shippingMethod.Chosen },
		func(shippingMethod *ShippingMethod) int64 { return shippingMethod.Id },
		previousShippingMethodId,
	)

	next.DeliveryMethod = next.DefaultDeliveryMethod(next.DeliveryMethod, previous.DeliveryMethod)
}

// the stored method when it is valid for the current contents, else the default
func (self *Cart) DeliveryMethod() DeliveryMethod {
	state := self.State()
	return state.DefaultDeliveryMethod(state.DeliveryMethod)
}

// SetDeliveryMethod returns false, and keeps the current method, when `method` is not valid for the cart.
func (self *Cart) SetDeliveryMethod(method DeliveryMethod) bool {
	self.mutex.Lock()
	record := self.record()
	if !record.IsDeliveryMethodValid(method) {
		self.mutex.Unlock()
		glog.V(1).Infof("[cart]%s reject delivery method %s\n", self.storeId, method)
		return false
	}
	if record.DeliveryMethod == method {
		self.mutex.Unlock()
		return true
	}
	self.store.Set(map[string]any{"deliveryMethod": method})
	self.mutex.Unlock()

	self.emit(
		CartEvent{EventKind: EventDeliveryMethodChanged, Quantity: record.Quantity},
		ChangeEvent{Cause: EventDeliveryMethodChanged},
	)
	self.broadcast(string(EventDeliveryMethodChanged), map[string]any{
		"deliveryMethod": string(method),
	})
	return true
}

func (self *Cart) SetSelectedLocation(index int) bool {
	self.mutex.Lock()
	record := self.record()
	if index < 0 || len(record.Locations) <= index {
		self.mutex.Unlock()
		return false
	}
	for i, location := range record.Locations {
		location.Chosen = i == index
	}
	self.store.Set(map[string]any{
		"locations":        record.Locations,
		"selectedLocation": index,
	})
	self.mutex.Unlock()

	self.emit(
		CartEvent{EventKind: EventLocationChanged, Quantity: record.Quantity},
		ChangeEvent{Cause: EventLocationChanged},
	)
	self.broadcast(string(EventLocationChanged), map[string]any{
		"selectedLocation": index,
	})
	return true
}

func (self *Cart) SetSelectedShippingMethod(index int) bool {
	self.mutex.Lock()
	record := self.record()
	if index < 0 || len(record.ShippingMethods) <= index {
		self.mutex.Unlock()
		return false
	}
	for i, shippingMethod := range record.ShippingMethods {
		shippingMethod.Chosen = i == index
	}
	self.store.Set(map[string]any{
		"shippingMethods":        record.ShippingMethods,
		"selectedShippingMethod": index,
	})
	self.mutex.Unlock()

	self.emit(
		CartEvent{EventKind: EventShippingMethodChanged, Quantity: record.Quantity},
		ChangeEvent{Cause: EventShippingMethodChanged},
	)
	self.broadcast(string(EventShippingMethodChanged), map[string]any{
		"selectedShippingMethod": index,
	})
	return true
}

// applies the delivery choices carried by a message from another instance
func (self *Cart) adoptSelection(message *BusMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record := self.record()
	partial := map[string]any{}
	if method := DeliveryMethod(message.String("deliveryMethod")); method != "" && record.IsDeliveryMethodValid(method) {
		partial["deliveryMethod"] = method
	}
	if index := message.Int("selectedLocation", -1); 0 <= index && index < len(record.Locations) {
		for i, location := range record.Locations {
			location.Chosen = i == index
		}
		partial["locations"] = record.Locations
		partial["selectedLocation"] = index
	}
	if index := message.Int("selectedShippingMethod", -1); 0 <= index && index < len(record.ShippingMethods) {
		for i, shippingMethod := range record.ShippingMethods {
			shippingMethod.Chosen = i == index
		}
		partial["shippingMethods"] = record.ShippingMethods
		partial["selectedShippingMethod"] = index
	}
	if len(partial) != 0 {
		self.store.Set(partial)
	}
}
