package reflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

var ErrSignedIn = errors.New("Already signed in.")
var ErrNotSignedIn = errors.New("Not signed in.")
var ErrOperationInProgress = errors.New("Another operation is in progress.")

type User struct {
	Object   string         `json:"object,omitempty"`
	Id       int64          `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Photo    string         `json:"photo,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Created  int64          `json:"created,omitempty"`
	Livemode bool           `json:"livemode,omitempty"`
}

type Plan struct {
	Object      string         `json:"object,omitempty"`
	Id          int64          `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Features    []string       `json:"features,omitempty"`
	TrialDays   int            `json:"trial_days,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Livemode    bool           `json:"livemode,omitempty"`
}

type Price struct {
	Object         string `json:"object,omitempty"`
	Id             int64  `json:"id,omitempty"`
	Price          int64  `json:"price,omitempty"`
	PriceFormatted string `json:"price_formatted,omitempty"`
	Currency       string `json:"currency,omitempty"`
	BillingPeriod  string `json:"billing_period,omitempty"`
	IsTaxInclusive bool   `json:"is_tax_inclusive,omitempty"`
}

type Subscription struct {
	Object       string `json:"object,omitempty"`
	Id           int64  `json:"id,omitempty"`
	Status       string `json:"status,omitempty"`
	Plan         *Plan  `json:"plan,omitempty"`
	Price        *Price `json:"price,omitempty"`
	LastBilledAt int64  `json:"last_billed_at,omitempty"`
	CancelAt     int64  `json:"cancel_at,omitempty"`
	Created      int64  `json:"created,omitempty"`
}

// persisted session record. Times are epoch millis.
type authRecord struct {
	Key          string        `json:"key,omitempty"`
	ExpiresAt    int64         `json:"expiresAt,omitempty"`
	User         *User         `json:"user,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	LastRefresh  int64         `json:"lastRefresh,omitempty"`
	Token        string        `json:"token,omitempty"`
}

type AuthSettings struct {
	// `RefreshIfStale` refreshes when the last refresh is older than this
	RefreshInterval time.Duration
	// also require the popup message to echo the flow id and come from the api origin
	StrictMessages bool
	Popup          *PopupSettings
}

func DefaultAuthSettings() *AuthSettings {
	return &AuthSettings{
		RefreshInterval: 5 * time.Minute,
		StrictMessages:  false,
		Popup:           DefaultPopupSettings(),
	}
}

// the outcome of a refresh
type AuthChange struct {
	User         *User
	Subscription *Subscription
	// record fields that changed, `user` and/or `subscription`
	Changed []string
	// the session was invalid and the user was signed out
	Signout bool
}

// Auth is the session state machine of one project.
// The record in `Environment.Storage` is the only source of truth for the session.
type Auth struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId string
	api       *Api
	env       *Environment
	settings  *AuthSettings

	store *Store
	// session scoped "is newly registered" flag
	newStore *Store
	emitter  *Emitter
	// nil when the environment has no host
	popup *PopupWindow

	mutex      sync.Mutex
	bindCount  int
	busChannel BusChannel
	busUnsub   func()
	// advanced on every sign in and sign out
	generation   uint64
	flow         *AuthFlow
	verification func()
}

func NewAuthWithDefaults(ctx context.Context, projectId string, api *Api, env *Environment) *Auth {
	return NewAuth(ctx, projectId, api, env, DefaultAuthSettings())
}

func NewAuth(ctx context.Context, projectId string, api *Api, env *Environment, settings *AuthSettings) *Auth {
	cancelCtx, cancel := context.WithCancel(ctx)
	env = env.withDefaults()

	auth := &Auth{
		ctx:       cancelCtx,
		cancel:    cancel,
		projectId: projectId,
		api:       api,
		env:       env,
		settings:  settings,
		store:     NewStore(env.Storage, EntityAuth, projectId),
		newStore:  NewStoreWithKey(env.SessionStorage, fmt.Sprintf("reflow-auth-new-%s", projectId)),
		emitter:   NewEmitter(),
	}
	if env.Host != nil {
		popupSettings := settings.Popup
		if popupSettings == nil {
			popupSettings = DefaultPopupSettings()
		}
		auth.popup = NewPopupWindow(env.Host, env.Clock, popupSettings)
	}

	record := auth.record()
	if record.ExpiresAt != 0 && record.ExpiresAt < auth.nowMillis() {
		glog.Infof("[auth]%s session expired, purging\n", projectId)
		auth.store.Clear()
		auth.newStore.Clear()
	}
	return auth
}

func (self *Auth) ProjectId() string {
	return self.projectId
}

func (self *Auth) Events() *Emitter {
	return self.emitter
}

func (self *Auth) endpoint(path string) string {
	return fmt.Sprintf("/projects/%s%s", url.PathEscape(self.projectId), path)
}

func (self *Auth) nowMillis() int64 {
	return self.env.Clock.Now().UnixMilli()
}

func (self *Auth) record() *authRecord {
	record := &authRecord{}
	if err := self.store.Decode(record); err != nil {
		glog.Infof("[auth]%s record decode error = %s\n", self.projectId, err)
		return &authRecord{}
	}
	return record
}

func (self *Auth) IsSignedIn() bool {
	return self.record().Key != ""
}

// the session key, or empty when signed out
func (self *Auth) SessionKey() string {
	return self.record().Key
}

func (self *Auth) User() *User {
	return self.record().User
}

func (self *Auth) Subscription() *Subscription {
	return self.record().Subscription
}

// true when the current session belongs to a user that registered in this session
func (self *Auth) IsNew() bool {
	isNew, _ := self.newStore.Get("isNew", false).(bool)
	return isNew
}

func (self *Auth) currentGeneration() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.generation
}

// runs `write` unless the session changed since `generation`
func (self *Auth) commit(generation uint64, write func() error) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.generation != generation {
		glog.V(1).Infof("[auth]%s discard result of generation %d, current %d\n", self.projectId, generation, self.generation)
		return false
	}
	if err := write(); err != nil {
		glog.Infof("[auth]%s write error = %s\n", self.projectId, err)
	}
	return true
}

// clears the session and starts a new generation. The caller holds the mutex.
func (self *Auth) resetLocked() {
	self.generation += 1
	if err := self.store.Clear(); err != nil {
		glog.Infof("[auth]%s clear error = %s\n", self.projectId, err)
	}
	self.newStore.Clear()
	if self.verification != nil {
		self.verification()
		self.verification = nil
	}
}

func (self *Auth) emit(events ...Event) {
	for _, event := range events {
		self.emitter.Trigger(event)
	}
}

func (self *Auth) broadcast(messageType string, data map[string]any) {
	self.mutex.Lock()
	busChannel := self.busChannel
	self.mutex.Unlock()
	if busChannel == nil {
		return
	}
	if err := busChannel.Post(NewBusMessage(messageType, data)); err != nil {
		glog.Infof("[auth]%s broadcast %s error = %s\n", self.projectId, messageType, err)
	}
}

// Bind installs the bus subscription. Only the first of nested binds has an effect.
func (self *Auth) Bind() {
	self.mutex.Lock()
	self.bindCount += 1
	first := self.bindCount == 1
	if first {
		self.busChannel = openBusChannel(self.env.Bus, AuthChannel(self.projectId))
		if self.busChannel != nil {
			self.busUnsub = self.busChannel.Subscribe(self.onBusMessage)
		}
	}
	self.mutex.Unlock()

	if first && self.IsSignedIn() {
		go HandleError(func() {
			if _, err := self.RefreshIfStale(self.ctx); err != nil {
				glog.Infof("[auth]%s bind refresh error = %s\n", self.projectId, err)
			}
		})
	}
}

// Unbind tears down what `Bind` installed once the last bind is released.
func (self *Auth) Unbind() {
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
	verification := self.verification
	self.busUnsub = nil
	self.busChannel = nil
	self.verification = nil
	self.mutex.Unlock()

	if busUnsub != nil {
		busUnsub()
	}
	if busChannel != nil {
		busChannel.Close()
	}
	if verification != nil {
		verification()
	}
	if self.popup != nil {
		self.popup.Close()
	}
}

func (self *Auth) BindCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.bindCount
}

func (self *Auth) Close() {
	for 0 < self.BindCount() {
		self.Unbind()
	}
	self.cancel()
}

// SignOut returns false and emits nothing when already signed out.
// The local session is always destroyed. The server is notified best-effort.
func (self *Auth) SignOut(ctx context.Context) (bool, error) {
	self.mutex.Lock()
	record := self.record()
	if record.Key == "" {
		self.mutex.Unlock()
		return false, nil
	}
	self.resetLocked()
	self.mutex.Unlock()

	glog.V(1).Infof("[auth]%s sign out\n", self.projectId)
	self.emit(
		SignoutEvent{Reason: SignoutReasonUser},
		ChangeEvent{Cause: EventSignout},
	)
	self.broadcast(string(EventSignout), map[string]any{
		"reason": SignoutReasonUser,
	})

	_, err := self.api.Fetch(ctx, self.endpoint("/auth/sign-out"), &FetchOptions{
		Method: "POST",
		Token:  record.Key,
	})
	if err != nil {
		glog.Infof("[auth]%s sign out notify error = %s\n", self.projectId, err)
	}
	return true, nil
}

// signs out after the server reported the session invalid.
// Does nothing when a sign in or sign out happened since `generation`.
func (self *Auth) forceSignOut(generation uint64, reason string) bool {
	self.mutex.Lock()
	if self.generation != generation || self.record().Key == "" {
		self.mutex.Unlock()
		return false
	}
	self.resetLocked()
	self.mutex.Unlock()

	glog.Infof("[auth]%s forced sign out, reason = %s\n", self.projectId, reason)
	self.emit(
		SignoutEvent{Reason: reason},
		ChangeEvent{Cause: EventSignout},
	)
	self.broadcast(string(EventSignout), map[string]any{
		"reason": reason,
	})
	return true
}

type meResult struct {
	User         *User         `json:"user"`
	Subscription *Subscription `json:"subscription"`
}

// Refresh fetches the user and subscription and applies them to the record.
// An invalid session signs out and is reported as `AuthChange.Signout`, not as an error.
func (self *Auth) Refresh(ctx context.Context) (*AuthChange, error) {
	key := self.SessionKey()
	if key == "" {
		return nil, ErrNotSignedIn
	}
	generation := self.currentGeneration()

	result, err := fetchJson[*meResult](ctx, self.api, self.endpoint("/me"), &FetchOptions{
		Token: key,
	})
	if err != nil {
		if IsEntityNotFound(err) {
			self.forceSignOut(generation, SignoutReasonSessionInvalid)
			return &AuthChange{Signout: true}, nil
		}
		return nil, err
	}
	if result == nil {
		result = &meResult{}
	}
	return self.apply(generation, result.User, result.Subscription, false), nil
}

// writes the user and subscription and emits `modify` when either changed
func (self *Auth) apply(generation uint64, user *User, subscription *Subscription, remote bool) *AuthChange {
	change := &AuthChange{
		User:         user,
		Subscription: subscription,
	}
	var subscribed bool
	applied := self.commit(generation, func() error {
		record := self.record()
		if record.Key == "" {
			return nil
		}
		if !jsonEqual(record.User, user) {
			change.Changed = append(change.Changed, "user")
		}
		if !jsonEqual(record.Subscription, subscription) {
			change.Changed = append(change.Changed, "subscription")
			subscribed = record.Subscription == nil && subscription != nil
		}
		return self.store.Set(map[string]any{
			"user":         nullable(user),
			"subscription": nullable(subscription),
			"lastRefresh":  self.nowMillis(),
		})
	})
	if !applied || len(change.Changed) == 0 {
		change.Changed = nil
		return change
	}

	glog.V(1).Infof("[auth]%s modified %v\n", self.projectId, change.Changed)
	self.emit(ModifyEvent{
		User:         user,
		Subscription: subscription,
		Changed:      change.Changed,
		Remote:       remote,
	})
	if subscribed {
		self.emit(SubscribeEvent{Subscription: subscription, Remote: remote})
	}
	self.emit(ChangeEvent{Cause: EventModify, Remote: remote})

	if !remote {
		self.broadcast(string(EventModify), busPayload(&meResult{
			User:         user,
			Subscription: subscription,
		}))
	}
	return change
}

// true when the last refresh is older than the refresh interval
func (self *Auth) NeedsRefresh() bool {
	lastRefresh := self.record().LastRefresh
	return self.settings.RefreshInterval.Milliseconds() < self.nowMillis()-lastRefresh
}

// refreshes only when signed in and the record is stale. Returns nil when nothing was done.
func (self *Auth) RefreshIfStale(ctx context.Context) (*AuthChange, error) {
	if !self.IsSignedIn() || !self.NeedsRefresh() {
		return nil, nil
	}
	return self.Refresh(ctx)
}

type UserUpdate struct {
	Name  *string
	Email *string
	// replaces the user meta
	Meta  map[string]any
	Photo *FormFile
	// removes the current photo when no new photo is given
	RemovePhoto bool
}

type UpdateUserResult struct {
	User *User
	// the email changes once the user confirms the new address
	PendingEmailVerification bool
}

type updateUserResponse struct {
	Success                  bool  `json:"success"`
	User                     *User `json:"user"`
	PendingEmailVerification bool  `json:"pendingEmailVerification"`
}

func (self *Auth) UpdateUser(ctx context.Context, update *UserUpdate) (*UpdateUserResult, error) {
	key := self.SessionKey()
	if key == "" {
		return nil, ErrNotSignedIn
	}
	generation := self.currentGeneration()

	form := url.Values{}
	if update.Name != nil {
		form.Set("name", *update.Name)
	}
	if update.Email != nil {
		form.Set("email", *update.Email)
	}
	if update.Meta != nil {
		metaBytes, err := json.Marshal(update.Meta)
		if err != nil {
			return nil, err
		}
		form.Set("meta", string(metaBytes))
	}
	var files []*FormFile
	if update.Photo != nil {
		photo := *update.Photo
		photo.Field = "photo"
		files = append(files, &photo)
	} else if update.RemovePhoto {
		form.Set("removePhoto", "1")
	}

	response, err := fetchJson[*updateUserResponse](ctx, self.api, self.endpoint("/me/update"), &FetchOptions{
		Form:      form,
		Files:     files,
		Multipart: true,
		Token:     key,
	})
	if err != nil {
		if IsEntityNotFound(err) {
			self.forceSignOut(generation, SignoutReasonSessionInvalid)
		}
		return nil, err
	}
	if response == nil {
		response = &updateUserResponse{}
	}

	user := response.User
	if user == nil {
		// the update response does not always carry the user
		me, err := fetchJson[*meResult](ctx, self.api, self.endpoint("/me"), &FetchOptions{
			Token: key,
		})
		if err != nil {
			if IsEntityNotFound(err) {
				self.forceSignOut(generation, SignoutReasonSessionInvalid)
			}
			return nil, err
		}
		if me != nil {
			user = me.User
		}
	}
	if user != nil {
		self.apply(generation, user, self.Subscription(), false)
	}

	if response.PendingEmailVerification && update.Email != nil {
		self.watchEmailVerification(generation, *update.Email)
	}
	return &UpdateUserResult{
		User:                     user,
		PendingEmailVerification: response.PendingEmailVerification,
	}, nil
}

// re-checks the user each time the opener regains focus, until the email is verified
func (self *Auth) watchEmailVerification(generation uint64, email string) {
	if self.env.Host == nil {
		glog.V(1).Infof("[auth]%s no host, email verification is not watched\n", self.projectId)
		return
	}

	var checking atomic.Bool
	var unsubOnce sync.Once
	var unsub func()
	done := func() {
		unsubOnce.Do(func() {
			if unsub != nil {
				unsub()
			}
		})
	}

	unsub = self.env.Host.OnFocus(func() {
		if !checking.CompareAndSwap(false, true) {
			return
		}
		defer checking.Store(false)

		key := self.SessionKey()
		if key == "" || self.currentGeneration() != generation {
			done()
			return
		}
		me, err := fetchJson[*meResult](self.ctx, self.api, self.endpoint("/me"), &FetchOptions{
			Token: key,
		})
		if err != nil {
			if IsEntityNotFound(err) {
				self.forceSignOut(generation, SignoutReasonSessionInvalid)
				done()
			}
			glog.V(1).Infof("[auth]%s email verification check error = %s\n", self.projectId, err)
			return
		}
		if me == nil || me.User == nil || me.User.Email != email {
			return
		}
		done()
		self.apply(generation, me.User, me.Subscription, false)
	})

	self.mutex.Lock()
	previous := self.verification
	self.verification = done
	self.mutex.Unlock()
	if previous != nil {
		previous()
	}
}

type tokenResult struct {
	Token string `json:"token"`
}

// GetToken returns a bearer token for client flows, renewing it shortly before it expires.
// Returns "" when signed out.
func (self *Auth) GetToken(ctx context.Context) (string, error) {
	record := self.record()
	if record.Key == "" {
		return "", nil
	}
	if record.Token != "" {
		token, err := ParseBearerTokenUnverified(record.Token)
		if err == nil && !token.NeedsRenewal(self.env.Clock.Now()) {
			return record.Token, nil
		}
		if err != nil {
			glog.V(1).Infof("[auth]%s stored token parse error = %s\n", self.projectId, err)
		}
	}
	generation := self.currentGeneration()

	result, err := fetchJson[*tokenResult](ctx, self.api, self.endpoint("/auth/token"), &FetchOptions{
		Token: record.Key,
	})
	if err != nil {
		if IsEntityNotFound(err) {
			self.forceSignOut(generation, SignoutReasonSessionInvalid)
		}
		return "", err
	}
	if result == nil || result.Token == "" {
		return "", fmt.Errorf("Empty token response.")
	}
	self.commit(generation, func() error {
		return self.store.Set(map[string]any{
			"token": result.Token,
		})
	})
	return result.Token, nil
}

func (self *Auth) onBusMessage(message *BusMessage) {
	switch EventKind(message.Type) {
	case EventSignin, EventRegister:
		incoming := &authRecord{}
		if err := jsonConvert(message.Data, incoming); err != nil || incoming.Key == "" {
			glog.Infof("[auth]%s bad %s message\n", self.projectId, message.Type)
			return
		}
		isNew, _ := message.Data["isNew"].(bool)
		isNew = isNew || EventKind(message.Type) == EventRegister

		self.mutex.Lock()
		self.generation += 1
		if self.record().Key != incoming.Key {
			// the sender may not share our storage
			self.store.Clear()
			self.store.SetFrom(incoming)
		}
		self.newStore.Set(map[string]any{"isNew": isNew})
		self.mutex.Unlock()

		if self.popup != nil {
			self.popup.Close()
		}
		glog.V(1).Infof("[auth]%s remote sign in\n", self.projectId)
		self.emit(SigninEvent{User: incoming.User, Remote: true})
		if isNew {
			self.emit(RegisterEvent{User: incoming.User})
		}
		self.emit(ChangeEvent{Cause: EventSignin, Remote: true})

	case EventSignout:
		self.mutex.Lock()
		self.resetLocked()
		self.mutex.Unlock()

		glog.V(1).Infof("[auth]%s remote sign out\n", self.projectId)
		self.emit(
			SignoutEvent{Reason: SignoutReasonRemote},
			ChangeEvent{Cause: EventSignout, Remote: true},
		)

	case EventModify, EventSubscribe:
		user := self.User()
		subscription := self.Subscription()
		if _, ok := message.Data["user"]; ok {
			incoming := &meResult{}
			if err := jsonConvert(message.Data, incoming); err == nil {
				user = incoming.User
				subscription = incoming.Subscription
			}
		}
		if !self.IsSignedIn() {
			return
		}
		self.commit(self.currentGeneration(), func() error {
			return self.store.Set(map[string]any{
				"user":         nullable(user),
				"subscription": nullable(subscription),
			})
		})
		if EventKind(message.Type) == EventSubscribe {
			self.emit(SubscribeEvent{Subscription: subscription, Remote: true})
		} else {
			self.emit(ModifyEvent{
				User:         user,
				Subscription: subscription,
				Changed:      []string{"user", "subscription"},
				Remote:       true,
			})
		}
		self.emit(ChangeEvent{Cause: EventKind(message.Type), Remote: true})

	default:
		glog.V(2).Infof("[auth]%s ignore message %s\n", self.projectId, message.Type)
	}
}

// a nil pointer as an untyped nil, so `Store.Set` removes the field
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

// json object form of `v`, for bus messages
func busPayload(v any) map[string]any {
	payload := map[string]any{}
	if err := jsonConvert(v, &payload); err != nil {
		glog.Infof("[bus]payload error = %s\n", err)
	}
	return payload
}
