package reflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

var ErrNoHost = errors.New("Popup flows need a host.")

type AuthFlowKind string

const (
	AuthFlowSignin        AuthFlowKind = "signin"
	AuthFlowSubscribe     AuthFlowKind = "subscribe"
	AuthFlowBillingPortal AuthFlowKind = "billing-portal"
)

// AuthFlow is one popup flow. At most one flow runs per `Auth`.
type AuthFlow struct {
	id   Id
	kind AuthFlowKind

	mutex     sync.Mutex
	nonceHash string
	authToken string
	completed bool

	unsubMessage func()
	done         chan struct{}
	doneOnce     sync.Once
}

func newAuthFlow(kind AuthFlowKind) *AuthFlow {
	return &AuthFlow{
		id:   NewId(),
		kind: kind,
		done: make(chan struct{}),
	}
}

// correlation id sent to the auth server and echoed back by the popup
func (self *AuthFlow) Id() Id {
	return self.id
}

func (self *AuthFlow) Kind() AuthFlowKind {
	return self.kind
}

// closed when the popup closes
func (self *AuthFlow) Done() <-chan struct{} {
	return self.done
}

// true when the flow reached its goal, e.g. the user signed in
func (self *AuthFlow) Completed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.completed
}

func (self *AuthFlow) complete() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.completed = true
}

func (self *AuthFlow) setNonceHash(nonceHash string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.nonceHash = nonceHash
}

func (self *AuthFlow) setAuthToken(authToken string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.authToken = authToken
}

func (self *AuthFlow) credentials() (authToken string, nonceHash string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.authToken, self.nonceHash
}

// blocks until the flow ends or ctx is done
func (self *AuthFlow) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
	case <-self.done:
	}
	return self.Completed()
}

type SignInOptions struct {
	// the first screen of the auth popup, `signin` or `register`
	Step string
}

type authInitResult struct {
	Success   bool   `json:"success"`
	SigninUrl string `json:"signinURL"`
	NonceHash string `json:"nonceHash"`
}

type authCheckResult struct {
	Success      bool          `json:"success"`
	Key          string        `json:"key"`
	User         *User         `json:"user"`
	Subscription *Subscription `json:"subscription"`
	ExpiresAt    int64         `json:"expiresAt"`
	IsNew        bool          `json:"isNew"`
}

func (self *Auth) SignIn(ctx context.Context, options *SignInOptions) (*AuthFlow, error) {
	step := "signin"
	if options != nil && options.Step != "" {
		step = options.Step
	}
	return self.startSignIn(ctx, step)
}

func (self *Auth) Register(ctx context.Context, options *SignInOptions) (*AuthFlow, error) {
	step := "register"
	if options != nil && options.Step != "" {
		step = options.Step
	}
	return self.startSignIn(ctx, step)
}

// the flow in progress, or nil
func (self *Auth) Flow() *AuthFlow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.flow
}

func (self *Auth) beginFlow(kind AuthFlowKind) (*AuthFlow, error) {
	if self.popup == nil {
		return nil, ErrNoHost
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.flow != nil {
		return nil, ErrOperationInProgress
	}
	flow := newAuthFlow(kind)
	self.flow = flow
	return flow, nil
}

// runs once per flow, when the popup closes or the flow could not start
func (self *Auth) endFlow(flow *AuthFlow) {
	flow.doneOnce.Do(func() {
		self.mutex.Lock()
		if self.flow == flow {
			self.flow = nil
		}
		self.mutex.Unlock()

		if flow.unsubMessage != nil {
			flow.unsubMessage()
		}
		close(flow.done)
		glog.V(1).Infof("[auth]%s %s flow %s ended, completed = %t\n", self.projectId, flow.kind, flow.id, flow.Completed())
	})
}

// opens the popup for `flow`. This comes before any network call.
func (self *Auth) openFlowPopup(flow *AuthFlow, onRefocus func()) error {
	opened, err := self.popup.Open(&PopupOpenOptions{
		OnParentRefocus: onRefocus,
		OnClose: func() {
			self.endFlow(flow)
		},
	})
	if err != nil {
		self.endFlow(flow)
		return err
	}
	if !opened {
		// a popup owned by another instance of the same window name
		self.endFlow(flow)
		return ErrOperationInProgress
	}
	return nil
}

// closes the popup, which ends the flow
func (self *Auth) abortFlow(flow *AuthFlow) {
	self.popup.Close()
	self.endFlow(flow)
}

func (self *Auth) startSignIn(ctx context.Context, step string) (*AuthFlow, error) {
	if self.IsSignedIn() {
		return nil, ErrSignedIn
	}
	flow, err := self.beginFlow(AuthFlowSignin)
	if err != nil {
		return nil, err
	}

	flow.unsubMessage = self.env.Host.OnMessage(func(message *WindowMessage) {
		self.onWindowMessage(flow, message)
	})
	if err := self.openFlowPopup(flow, func() { self.checkSignIn(flow) }); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("step", step)
	form.Set("flow", flow.id.String())
	if returnUrlHost, ok := self.env.Host.(ReturnUrlHost); ok {
		form.Set("returnURL", returnUrlHost.ReturnURL())
	}
	result, err := fetchJson[*authInitResult](ctx, self.api, self.endpoint("/auth/init"), &FetchOptions{
		Form: form,
	})
	if err != nil {
		self.abortFlow(flow)
		return nil, err
	}
	if result == nil || !result.Success || result.SigninUrl == "" {
		self.abortFlow(flow)
		return nil, fmt.Errorf("Could not start sign in.")
	}
	flow.setNonceHash(result.NonceHash)

	if err := self.popup.SetURL(result.SigninUrl); err != nil {
		self.abortFlow(flow)
		return nil, err
	}
	glog.V(1).Infof("[auth]%s %s flow %s started\n", self.projectId, step, flow.id)
	return flow, nil
}

// accepts the auth token only from the popup of this flow
func (self *Auth) onWindowMessage(flow *AuthFlow, message *WindowMessage) {
	window := self.popup.Window()
	if window == nil || message.Source != window {
		return
	}
	authToken := message.String("authToken")
	if authToken == "" {
		return
	}
	if self.settings.StrictMessages {
		if message.String("flow") != flow.id.String() {
			glog.Infof("[auth]%s drop message, flow mismatch\n", self.projectId)
			return
		}
		if message.Origin != self.api.Origin() {
			glog.Infof("[auth]%s drop message, origin %s\n", self.projectId, message.Origin)
			return
		}
	}
	glog.V(2).Infof("[auth]%s flow %s received token\n", self.projectId, flow.id)
	flow.setAuthToken(authToken)
}

// called on refocus. The refocus can arrive before the token, in which case a later refocus completes the flow.
func (self *Auth) checkSignIn(flow *AuthFlow) {
	authToken, nonceHash := flow.credentials()
	if authToken == "" {
		glog.V(2).Infof("[auth]%s refocus before token\n", self.projectId)
		return
	}
	generation := self.currentGeneration()

	form := url.Values{}
	form.Set("authToken", authToken)
	form.Set("nonceHash", nonceHash)
	result, err := fetchJson[*authCheckResult](self.ctx, self.api, self.endpoint("/auth/check"), &FetchOptions{
		Form: form,
	})
	if err != nil {
		glog.Infof("[auth]%s check error = %s\n", self.projectId, err)
		return
	}
	if result == nil || !result.Success {
		glog.V(1).Infof("[auth]%s check not successful\n", self.projectId)
		return
	}

	record := &authRecord{
		Key:          result.Key,
		ExpiresAt:    result.ExpiresAt,
		User:         result.User,
		Subscription: result.Subscription,
		LastRefresh:  self.nowMillis(),
	}
	if record.Key == "" {
		record.Key = authToken
	}

	self.mutex.Lock()
	if self.generation != generation {
		self.mutex.Unlock()
		glog.V(1).Infof("[auth]%s discard check, session changed\n", self.projectId)
		return
	}
	self.generation += 1
	self.store.Clear()
	if err := self.store.SetFrom(record); err != nil {
		glog.Infof("[auth]%s write error = %s\n", self.projectId, err)
	}
	self.newStore.Set(map[string]any{"isNew": result.IsNew})
	self.mutex.Unlock()

	flow.complete()
	self.popup.Close()

	glog.V(1).Infof("[auth]%s signed in, new = %t\n", self.projectId, result.IsNew)
	self.emit(SigninEvent{User: record.User})
	if result.IsNew {
		self.emit(RegisterEvent{User: record.User})
	}
	self.emit(ChangeEvent{Cause: EventSignin})

	payload := busPayload(record)
	payload["isNew"] = result.IsNew
	self.broadcast(string(EventSignin), payload)
}

type SubscribeOptions struct {
	PriceId int64
	// payment provider for the first payment, when the project has more than one
	PaymentProvider string
}

type subscribeResult struct {
	CheckoutUrl  string        `json:"checkoutURL"`
	Subscription *Subscription `json:"subscription"`
}

// Subscribe opens the checkout for a plan price in the popup.
// `subscribe` is emitted once a refresh finds the new subscription.
func (self *Auth) Subscribe(ctx context.Context, options *SubscribeOptions) (*AuthFlow, error) {
	key := self.SessionKey()
	if key == "" {
		return nil, ErrNotSignedIn
	}
	generation := self.currentGeneration()
	flow, err := self.beginFlow(AuthFlowSubscribe)
	if err != nil {
		return nil, err
	}
	if err := self.openFlowPopup(flow, func() { self.checkSubscribed(flow) }); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("priceID", fmt.Sprintf("%d", options.PriceId))
	if options.PaymentProvider != "" {
		form.Set("paymentProvider", options.PaymentProvider)
	}
	result, err := fetchJson[*subscribeResult](ctx, self.api, self.endpoint("/me/subscribe"), &FetchOptions{
		Form:  form,
		Token: key,
	})
	if err != nil {
		self.abortFlow(flow)
		if IsEntityNotFound(err) {
			self.forceSignOut(generation, SignoutReasonSessionInvalid)
		}
		return nil, err
	}
	if result == nil {
		result = &subscribeResult{}
	}
	if result.CheckoutUrl == "" {
		// subscribed without a payment step, e.g. a free plan
		self.abortFlow(flow)
		if _, err := self.Refresh(ctx); err != nil {
			return nil, err
		}
		flow.complete()
		return flow, nil
	}
	if err := self.popup.SetURL(result.CheckoutUrl); err != nil {
		self.abortFlow(flow)
		return nil, err
	}
	return flow, nil
}

func (self *Auth) checkSubscribed(flow *AuthFlow) {
	change, err := self.Refresh(self.ctx)
	if err != nil {
		glog.V(1).Infof("[auth]%s subscribe refresh error = %s\n", self.projectId, err)
		return
	}
	if change.Signout {
		self.popup.Close()
		return
	}
	if change.Subscription != nil {
		flow.complete()
		self.popup.Close()
	}
}

type billingPortalResult struct {
	Url string `json:"url"`
}

// ManageSubscription opens the payment provider's billing portal in the popup.
// Each refocus refreshes the subscription.
func (self *Auth) ManageSubscription(ctx context.Context) (*AuthFlow, error) {
	key := self.SessionKey()
	if key == "" {
		return nil, ErrNotSignedIn
	}
	generation := self.currentGeneration()
	flow, err := self.beginFlow(AuthFlowBillingPortal)
	if err != nil {
		return nil, err
	}
	if err := self.openFlowPopup(flow, func() {
		if change, err := self.Refresh(self.ctx); err != nil {
			glog.V(1).Infof("[auth]%s billing refresh error = %s\n", self.projectId, err)
		} else if change.Signout {
			self.popup.Close()
		}
	}); err != nil {
		return nil, err
	}

	result, err := fetchJson[*billingPortalResult](ctx, self.api, self.endpoint("/me/billing-portal"), &FetchOptions{
		Token: key,
	})
	if err != nil {
		self.abortFlow(flow)
		if IsEntityNotFound(err) {
			self.forceSignOut(generation, SignoutReasonSessionInvalid)
		}
		return nil, err
	}
	if result == nil || result.Url == "" {
		self.abortFlow(flow)
		return nil, fmt.Errorf("No billing portal available.")
	}
	if err := self.popup.SetURL(result.Url); err != nil {
		self.abortFlow(flow)
		return nil, err
	}
	flow.complete()
	return flow, nil
}
