package reflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrEmptyCart = errors.New("The cart is empty.")
var ErrCartHasErrors = errors.New("The cart has errors that block checkout.")

type ProductType string

const (
	ProductPhysical ProductType = "physical"
	ProductDigital  ProductType = "digital"
)

type Personalization struct {
	Id       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	FileName string `json:"filename,omitempty"`
	Price    int64  `json:"price,omitempty"`
}

type LineItem struct {
	LineItemId      string             `json:"lineItemID"`
	ProductId       int64              `json:"productID"`
	VariantId       int64              `json:"variantID,omitempty"`
	Name            string             `json:"name,omitempty"`
	Type            ProductType        `json:"type,omitempty"`
	Quantity        int                `json:"quantity"`
	UnitPrice       int64              `json:"unitPrice,omitempty"`
	Price           int64              `json:"price,omitempty"`
	PriceFormatted  string             `json:"priceFormatted,omitempty"`
	InStock         bool               `json:"inStock"`
	MaxQuantity     int                `json:"maxQuantity,omitempty"`
	Personalization []*Personalization `json:"personalization,omitempty"`
}

type CartErrorSeverity string

const (
	CartErrorFatal   CartErrorSeverity = "fatal"
	CartErrorWarning CartErrorSeverity = "warning"
)

type CartError struct {
	Type       string            `json:"type"`
	Severity   CartErrorSeverity `json:"severity"`
	Message    string            `json:"message,omitempty"`
	LineItemId string            `json:"lineItemID,omitempty"`
}

type PaymentProvider struct {
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
	// completes in a hosted page in the popup
	Hosted                  bool     `json:"hosted"`
	SupportedPaymentMethods []string `json:"supportedPaymentMethods,omitempty"`
}

type Address struct {
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

type PickupLocation struct {
	Id          int64    `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Address     *Address `json:"address,omitempty"`
	Chosen      bool     `json:"chosen"`
}

type ShippingMethod struct {
	Id             int64  `json:"id"`
	Name           string `json:"name,omitempty"`
	Price          int64  `json:"price,omitempty"`
	PriceFormatted string `json:"priceFormatted,omitempty"`
	Chosen         bool   `json:"chosen"`
}

type Coupon struct {
	Id           int64  `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name,omitempty"`
	Discount     int64  `json:"discount,omitempty"`
	DiscountType string `json:"discountType,omitempty"`
}

type GiftCard struct {
	Id       int64  `json:"id"`
	Code     string `json:"code"`
	Balance  int64  `json:"balance,omitempty"`
	Discount int64  `json:"discount,omitempty"`
}

type TaxExemption struct {
	Status        string   `json:"status,omitempty"`
	VatNumber     string   `json:"vatNumber,omitempty"`
	ExemptionFile string   `json:"exemptionFile,omitempty"`
	Address       *Address `json:"address,omitempty"`
}

type TaxDetail struct {
	Name   string  `json:"name,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Amount int64   `json:"amount,omitempty"`
}

type Taxes struct {
	Amount       int64        `json:"amount,omitempty"`
	TaxInclusive bool         `json:"taxInclusive,omitempty"`
	Details      []*TaxDetail `json:"details,omitempty"`
}

// CartState is the server cart plus the client side delivery choices
type CartState struct {
	Products               []*LineItem        `json:"products,omitempty"`
	Quantity               int                `json:"quantity,omitempty"`
	DeliveryMethod         DeliveryMethod     `json:"deliveryMethod,omitempty"`
	SelectedLocation       int                `json:"selectedLocation,omitempty"`
	SelectedShippingMethod int                `json:"selectedShippingMethod,omitempty"`
	Errors                 []*CartError       `json:"errors,omitempty"`
	PaymentProviders       []*PaymentProvider `json:"paymentProviders,omitempty"`
	Locations              []*PickupLocation  `json:"locations,omitempty"`
	ShippingMethods        []*ShippingMethod  `json:"shippingMethods,omitempty"`
	// country code to name
	ShippingCountries map[string]string `json:"shippingCountries,omitempty"`
	ShippingAddress   *Address          `json:"shippingAddress,omitempty"`
	Coupon            *Coupon           `json:"coupon,omitempty"`
	GiftCard          *GiftCard         `json:"giftCard,omitempty"`
	Taxes             *Taxes            `json:"taxes,omitempty"`
	TaxExemption      *TaxExemption     `json:"taxExemption,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	Subtotal          int64             `json:"subtotal,omitempty"`
	Total             int64             `json:"total,omitempty"`
}

func (self *CartState) HasFatalErrors() bool {
	for _, cartError := range self.Errors {
		if cartError.Severity == CartErrorFatal {
			return true
		}
	}
	return false
}

// persisted cart record. The state fields are inlined.
type cartRecord struct {
	CartKey string `json:"cartKey,omitempty"`
	CartState
	LastRefresh int64 `json:"lastRefresh,omitempty"`
}

type CartSettings struct {
	DebounceDelay time.Duration
	Popup         *PopupSettings
	// poll interval of the checkout status while the checkout popup is open
	CheckoutPollInterval time.Duration
}

func DefaultCartSettings() *CartSettings {
	return &CartSettings{
		DebounceDelay:        DefaultDebounceDelay,
		Popup:                DefaultPopupSettings(),
		CheckoutPollInterval: 2 * time.Second,
	}
}

// Authorizer supplies the session of a signed in user, so the cart belongs to the user.
// `*Auth` is an Authorizer.
type Authorizer interface {
	SessionKey() string
}

// the result of a quick mutator
type CartMutation struct {
	// total cart quantity after the call, -1 when not reported
	Quantity int
	// `coupon` or `gift-card` for discount codes
	DiscountType string
}

// Cart is the cart state machine of one store.
type Cart struct {
	ctx    context.Context
	cancel context.CancelFunc

	storeId    string
	api        *Api
	env        *Environment
	settings   *CartSettings
	authorizer Authorizer

	store     *Store
	emitter   *Emitter
	debouncer *Debouncer
	popup     *PopupWindow

	mutex      sync.Mutex
	bindCount  int
	busChannel BusChannel
	busUnsub   func()
	// advanced when the cart key is dropped
	generation uint64
	checkout   *CheckoutFlow
}

func NewCartWithDefaults(ctx context.Context, storeId string, api *Api, env *Environment) *Cart {
	return NewCart(ctx, storeId, api, env, DefaultCartSettings())
}

func NewCart(ctx context.Context, storeId string, api *Api, env *Environment, settings *CartSettings) *Cart {
	cancelCtx, cancel := context.WithCancel(ctx)
	env = env.withDefaults()

	cart := &Cart{
		ctx:      cancelCtx,
		cancel:   cancel,
		storeId:  storeId,
		api:      api,
		env:      env,
		settings: settings,
		store:    NewStore(env.Storage, EntityCart, storeId),
		emitter:  NewEmitter(),
	}
	cart.debouncer = NewDebouncer(env.Clock, settings.DebounceDelay, func() {
		if _, err := cart.Refresh(cart.ctx); err != nil {
			glog.Infof("[cart]%s debounced refresh error = %s\n", storeId, err)
		}
	})
	if env.Host != nil {
		popupSettings := settings.Popup
		if popupSettings == nil {
			popupSettings = DefaultPopupSettings()
		}
		cart.popup = NewPopupWindow(env.Host, env.Clock, popupSettings)
	}
	return cart
}

func (self *Cart) StoreId() string {
	return self.storeId
}

func (self *Cart) Events() *Emitter {
	return self.emitter
}

// Debouncer of the full refresh that follows quick mutators
func (self *Cart) Debouncer() *Debouncer {
	return self.debouncer
}

// carts created after this are owned by the signed in user of `authorizer`
func (self *Cart) SetAuthorizer(authorizer Authorizer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.authorizer = authorizer
}

func (self *Cart) token() string {
	self.mutex.Lock()
	authorizer := self.authorizer
	self.mutex.Unlock()
	if authorizer == nil {
		return ""
	}
	return authorizer.SessionKey()
}

func (self *Cart) endpoint(path string) string {
	return fmt.Sprintf("/stores/%s/carts%s", url.PathEscape(self.storeId), path)
}

func (self *Cart) cartEndpoint(key string, action string) string {
	if action == "" {
		return self.endpoint("/" + url.PathEscape(key))
	}
	return self.endpoint(fmt.Sprintf("/%s/%s", url.PathEscape(key), action))
}

func (self *Cart) record() *cartRecord {
	record := &cartRecord{}
	if err := self.store.Decode(record); err != nil {
		glog.Infof("[cart]%s record decode error = %s\n", self.storeId, err)
		return &cartRecord{}
	}
	return record
}

func (self *Cart) CartKey() string {
	return self.record().CartKey
}

func (self *Cart) HasKey() bool {
	return self.CartKey() != ""
}

// the last known state
func (self *Cart) State() *CartState {
	return &self.record().CartState
}

func (self *Cart) Quantity() int {
	return self.record().Quantity
}

func (self *Cart) currentGeneration() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.generation
}

func (self *Cart) emit(events ...Event) {
	for _, event := range events {
		self.emitter.Trigger(event)
	}
}

func (self *Cart) broadcast(messageType string, data map[string]any) {
	self.mutex.Lock()
	busChannel := self.busChannel
	self.mutex.Unlock()
	if busChannel == nil {
		return
	}
	if err := busChannel.Post(NewBusMessage(messageType, data)); err != nil {
		glog.Infof("[cart]%s broadcast %s error = %s\n", self.storeId, messageType, err)
	}
}

func (self *Cart) Bind() {
	self.mutex.Lock()
	self.bindCount += 1
	first := self.bindCount == 1
	if first {
		self.busChannel = openBusChannel(self.env.Bus, CartChannel(self.storeId))
		if self.busChannel != nil {
			self.busUnsub = self.busChannel.Subscribe(self.onBusMessage)
		}
	}
	self.mutex.Unlock()

	if first && self.HasKey() {
		go HandleError(func() {
			if _, err := self.Refresh(self.ctx); err != nil {
				glog.Infof("[cart]%s bind refresh error = %s\n", self.storeId, err)
			}
		})
	}
}

func (self *Cart) Unbind() {
	self.mutex.Lock()
	if self.bindCount == 0 {
		self.mutex.Unlock()
		return
	}
	self.bindCount -= 1
	if 0 < self.bindCount {
		self.mutex.Unlock()
		return
	}
	busUnsub := self.busUnsub
	busChannel := self.busChannel
	self.busUnsub = nil
	self.busChannel = nil
	self.mutex.Unlock()

	if busUnsub != nil {
		busUnsub()
	}
	if busChannel != nil {
		busChannel.Close()
	}
	self.debouncer.CancelPending()
	if self.popup != nil {
		self.popup.Close()
	}
}

func (self *Cart) BindCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.bindCount
}

func (self *Cart) Close() {
	for 0 < self.BindCount() {
		self.Unbind()
	}
	self.debouncer.Close()
	self.cancel()
}

type cartCreateResult struct {
	CartKey string `json:"cartKey"`
}

// returns the cart key, creating the cart when there is none
func (self *Cart) ensureKey(ctx context.Context) (string, error) {
	if key := self.CartKey(); key != "" {
		return key, nil
	}
	return self.create(ctx)
}

func (self *Cart) create(ctx context.Context) (string, error) {
	// concurrent creates share one call through the api dedup
	result, err := fetchJson[*cartCreateResult](ctx, self.api, self.endpoint(""), &FetchOptions{
		Method: "POST",
		Token:  self.token(),
	})
	if err != nil {
		return "", err
	}
	if result == nil || result.CartKey == "" {
		return "", fmt.Errorf("Cart create returned no key.")
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if key := self.record().CartKey; key != "" {
		// another instance created the cart first
		return key, nil
	}
	if err := self.store.Set(map[string]any{"cartKey": result.CartKey}); err != nil {
		return "", err
	}
	glog.V(1).Infof("[cart]%s created cart\n", self.storeId)
	return result.CartKey, nil
}

// replaces a cart key the server no longer knows
func (self *Cart) recreate(ctx context.Context, staleKey string) (string, error) {
	self.mutex.Lock()
	if self.record().CartKey == staleKey {
		self.store.Set(map[string]any{"cartKey": nil})
	}
	self.mutex.Unlock()
	glog.Infof("[cart]%s cart key missing, recreating\n", self.storeId)
	return self.ensureKey(ctx)
}

// drops the cart after the server denied access to it
func (self *Cart) reset(generation uint64) bool {
	self.mutex.Lock()
	if self.generation != generation {
		self.mutex.Unlock()
		return false
	}
	self.generation += 1
	key := self.record().CartKey
	if err := self.store.Clear(); err != nil {
		glog.Infof("[cart]%s clear error = %s\n", self.storeId, err)
	}
	self.mutex.Unlock()

	self.debouncer.CancelPending()
	glog.Infof("[cart]%s cart reset\n", self.storeId)
	self.emit(
		CartEvent{EventKind: EventCartReset, Quantity: 0},
		ChangeEvent{Cause: EventCartReset},
	)
	self.broadcast(string(EventCartReset), map[string]any{
		"cartKey": key,
	})
	return true
}

// Refresh fetches the full cart. Without a cart key the state is empty.
func (self *Cart) Refresh(ctx context.Context) (*CartState, error) {
	key := self.CartKey()
	if key == "" {
		return &CartState{}, nil
	}
	generation := self.currentGeneration()

	state, err := fetchJson[*CartState](ctx, self.api, self.cartEndpoint(key, ""), &FetchOptions{
		Token: self.token(),
	})
	if IsResourceMissing(err) {
		key, err = self.recreate(ctx, key)
		if err == nil {
			state, err = fetchJson[*CartState](ctx, self.api, self.cartEndpoint(key, ""), &FetchOptions{
				Token: self.token(),
			})
		}
	}
	if err != nil {
		if IsEntityNotFound(err) {
			self.reset(generation)
		}
		return nil, err
	}
	if state == nil {
		state = &CartState{}
	}

	var changed bool
	self.mutex.Lock()
	if self.generation != generation {
		self.mutex.Unlock()
		glog.V(1).Infof("[cart]%s discard stale refresh\n", self.storeId)
		return self.State(), nil
	}
	previous := self.record()
	reconcile(&previous.CartState, state)
	changed = !jsonEqual(&previous.CartState, state)
	record := &cartRecord{
		CartKey:     key,
		CartState:   *state,
		LastRefresh: self.env.Clock.Now().UnixMilli(),
	}
	if err := self.store.Clear(); err == nil {
		if err := self.store.SetFrom(record); err != nil {
			glog.Infof("[cart]%s write error = %s\n", self.storeId, err)
		}
	}
	self.mutex.Unlock()

	glog.V(2).Infof("[cart]%s refreshed, changed = %t\n", self.storeId, changed)
	if changed {
		self.emit(ChangeEvent{Cause: EventChange})
	}
	return state, nil
}

type cartMutationResult struct {
	Quantity *int   `json:"quantity"`
	Type     string `json:"type"`
}

// mutate runs one quick call against the cart, creating or recreating the cart as needed.
// On success it emits `kind` and `change`, broadcasts `kind` and schedules the full refresh.
func (self *Cart) mutate(ctx context.Context, action string, form url.Values, files []*FormFile, kind EventKind) (*CartMutation, error) {
	generation := self.currentGeneration()
	key, err := self.ensureKey(ctx)
	if err != nil {
		return nil, err
	}

	post := func(key string) (*cartMutationResult, error) {
		return fetchJson[*cartMutationResult](ctx, self.api, self.cartEndpoint(key, action), &FetchOptions{
			Method: "POST",
			Form:   form,
			Files:  files,
			Token:  self.token(),
		})
	}
	result, err := post(key)
	if IsResourceMissing(err) {
		key, err = self.recreate(ctx, key)
		if err == nil {
			result, err = post(key)
		}
	}
	if err != nil {
		if IsEntityNotFound(err) {
			self.reset(generation)
		}
		return nil, err
	}
	if result == nil {
		result = &cartMutationResult{}
	}

	mutation := &CartMutation{
		Quantity:     -1,
		DiscountType: result.Type,
	}
	if result.Quantity != nil {
		mutation.Quantity = *result.Quantity
	}

	self.mutex.Lock()
	current := self.generation == generation
	if current && 0 <= mutation.Quantity {
		self.store.Set(map[string]any{"quantity": mutation.Quantity})
	}
	self.mutex.Unlock()
	if !current {
		glog.V(1).Infof("[cart]%s %s finished after a reset\n", self.storeId, action)
		return mutation, nil
	}

	glog.V(2).Infof("[cart]%s %s quantity = %d\n", self.storeId, action, mutation.Quantity)
	self.emit(
		CartEvent{EventKind: kind, Quantity: mutation.Quantity},
		ChangeEvent{Cause: kind},
	)
	self.broadcast(string(kind), map[string]any{
		"quantity": mutation.Quantity,
	})
	self.debouncer.Schedule()
	return mutation, nil
}

type AddProductOptions struct {
	ProductId int64
	VariantId int64
	Quantity  int
	// personalization id to text value
	Personalization map[int64]string
	// personalization file uploads, `Field` is the personalization id
	Files []*FormFile
}

func (self *Cart) AddProduct(ctx context.Context, options *AddProductOptions) (*CartMutation, error) {
	quantity := options.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	form := url.Values{}
	form.Set("productID", strconv.FormatInt(options.ProductId, 10))
	if options.VariantId != 0 {
		form.Set("variantID", strconv.FormatInt(options.VariantId, 10))
	}
	form.Set("quantity", strconv.Itoa(quantity))
	if len(options.Personalization) != 0 {
		personalization := map[string]string{}
		for id, value := range options.Personalization {
			personalization[strconv.FormatInt(id, 10)] = value
		}
		personalizationBytes, err := json.Marshal(personalization)
		if err != nil {
			return nil, err
		}
		form.Set("personalization", string(personalizationBytes))
	}
	return self.mutate(ctx, "add-product", form, options.Files, EventProductAdded)
}

func (self *Cart) UpdateLineItemQuantity(ctx context.Context, lineItemId string, quantity int) (*CartMutation, error) {
	form := url.Values{}
	form.Set("lineItemID", lineItemId)
	form.Set("quantity", strconv.Itoa(quantity))
	mutation, err := self.mutate(ctx, "update-line-item", form, nil, EventLineItemUpdated)
	if err != nil {
		return nil, err
	}
	self.updateLineItem(lineItemId, func(products []*LineItem, i int) []*LineItem {
		products[i].Quantity = quantity
		return products
	})
	return mutation, nil
}

func (self *Cart) RemoveLineItem(ctx context.Context, lineItemId string) (*CartMutation, error) {
	form := url.Values{}
	form.Set("lineItemID", lineItemId)
	mutation, err := self.mutate(ctx, "remove-line-item", form, nil, EventLineItemRemoved)
	if err != nil {
		return nil, err
	}
	self.updateLineItem(lineItemId, func(products []*LineItem, i int) []*LineItem {
		return append(products[:i], products[i+1:]...)
	})
	return mutation, nil
}

// applies a quick change to the cached line items until the full refresh lands
func (self *Cart) updateLineItem(lineItemId string, update func(products []*LineItem, i int) []*LineItem) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record := self.record()
	for i, product := range record.Products {
		if product.LineItemId == lineItemId {
			record.Products = update(record.Products, i)
			// the contents changed, e.g. the last physical item is gone
			self.store.Set(map[string]any{
				"products":       record.Products,
				"deliveryMethod": record.DefaultDeliveryMethod(record.DeliveryMethod),
			})
			return
		}
	}
}

func (self *Cart) ApplyDiscountCode(ctx context.Context, code string) (*CartMutation, error) {
	form := url.Values{}
	form.Set("code", code)
	return self.mutate(ctx, "discount", form, nil, EventDiscountCodeAdded)
}

func (self *Cart) RemoveDiscountCode(ctx context.Context, code string) (*CartMutation, error) {
	form := url.Values{}
	form.Set("code", code)
	return self.mutate(ctx, "remove-discount", form, nil, EventDiscountCodeRemoved)
}

type AddressUpdate struct {
	Address        *Address
	DeliveryMethod DeliveryMethod
}

func (self *Cart) UpdateAddress(ctx context.Context, update *AddressUpdate) (*CartMutation, error) {
	form := url.Values{}
	if update.Address != nil {
		addressBytes, err := json.Marshal(update.Address)
		if err != nil {
			return nil, err
		}
		form.Set("address", string(addressBytes))
	}
	deliveryMethod := update.DeliveryMethod
	if deliveryMethod == "" {
		deliveryMethod = self.DeliveryMethod()
	}
	if deliveryMethod != "" {
		form.Set("deliveryMethod", string(deliveryMethod))
	}
	return self.mutate(ctx, "update-address", form, nil, EventAddressUpdated)
}

type TaxExemptionUpdate struct {
	Address   *Address
	VatNumber string
	// certificate upload
	ExemptionFile *FormFile
}

func (self *Cart) UpdateTaxExemption(ctx context.Context, update *TaxExemptionUpdate) (*CartMutation, error) {
	form := url.Values{}
	if update.Address != nil {
		addressBytes, err := json.Marshal(update.Address)
		if err != nil {
			return nil, err
		}
		form.Set("address", string(addressBytes))
	}
	if update.VatNumber != "" {
		form.Set("vatNumber", update.VatNumber)
	}
	var files []*FormFile
	if update.ExemptionFile != nil {
		exemptionFile := *update.ExemptionFile
		exemptionFile.Field = "exemptionFile"
		files = append(files, &exemptionFile)
	}
	return self.mutate(ctx, "tax-exemption", form, files, EventTaxExemptionUpdated)
}

func (self *Cart) RemoveTaxExemption(ctx context.Context) (*CartMutation, error) {
	return self.mutate(ctx, "remove-tax-exemption", url.Values{}, nil, EventTaxExemptionRemoved)
}

func (self *Cart) onBusMessage(message *BusMessage) {
	kind := EventKind(message.Type)
	switch kind {
	case EventCheckoutCompleted:
		self.dropKey(message.String("cartKey"))
		self.emit(
			CheckoutCompletedEvent{OrderId: message.String("orderId"), Remote: true},
			ChangeEvent{Cause: kind, Remote: true},
		)
		return
	case EventCartReset:
		self.dropKey(message.String("cartKey"))
	case EventProductAdded, EventLineItemUpdated, EventLineItemRemoved, EventAddressUpdated,
		EventDeliveryMethodChanged, EventLocationChanged, EventShippingMethodChanged,
		EventDiscountCodeAdded, EventDiscountCodeRemoved, EventTaxExemptionUpdated, EventTaxExemptionRemoved:
	default:
		glog.V(2).Infof("[cart]%s ignore message %s\n", self.storeId, message.Type)
		return
	}

	self.adoptSelection(message)
	quantity := message.Int("quantity", -1)
	self.emit(
		CartEvent{EventKind: kind, Quantity: quantity, Remote: true},
		ChangeEvent{Cause: kind, Remote: true},
	)
	if self.HasKey() {
		self.debouncer.Schedule()
	}
}

// drops the local cart when it is the cart named by another instance, or when no cart is named
func (self *Cart) dropKey(cartKey string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := self.record().CartKey
	if key == "" || (cartKey != "" && cartKey != key) {
		return
	}
	self.generation += 1
	self.store.Clear()
	self.debouncer.CancelPending()
}
