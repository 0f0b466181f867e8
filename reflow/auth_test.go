package reflow

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func newTestAuth(t *testing.T, server *testServer, env *Environment) *Auth {
	auth := NewAuthWithDefaults(context.Background(), "p1", server.api(), env)
	t.Cleanup(auth.Close)
	return auth
}

func TestSignInFlow(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/init", http.StatusOK, map[string]any{
		"success":   true,
		"signinURL": "https://auth.example/signin?flow=1",
		"nonceHash": "nh1",
	})
	var checkToken string
	var checkNonce string
	server.handle("/projects/p1/auth/check", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		checkToken = r.PostForm.Get("authToken")
		checkNonce = r.PostForm.Get("nonceHash")
		writeJson(w, http.StatusOK, map[string]any{
			"success": true,
			"key":     "k1",
			"user":    map[string]any{"id": 1, "name": "Ada"},
			"isNew":   true,
		})
	})

	host := newTestHost()
	bus := NewLocalBus()
	auth := newTestAuth(t, server, &Environment{
		Host:  host,
		Bus:   bus,
		Clock: newTestClock(),
	})
	auth.Bind()
	events := recordEvents(auth.Events(), EventSignin, EventRegister, EventChange)

	// another instance of the same project
	peer, _ := bus.Open(AuthChannel("p1"))
	defer peer.Close()
	peerMessages := &messageCollector{}
	peer.Subscribe(peerMessages.collect)

	flow, err := auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.Flow(), flow)
	window := host.lastWindow()
	assert.Equal(t, window.Url(), "https://auth.example/signin?flow=1")

	// a second flow cannot start while one runs
	_, err = auth.Register(context.Background(), nil)
	assert.Equal(t, err, ErrOperationInProgress)

	// refocus before the token does nothing
	host.Refocus()
	assert.Equal(t, server.Calls("/projects/p1/auth/check"), 0)

	// messages from other windows are ignored
	host.Post(&WindowMessage{
		Source: &testWindow{},
		Data:   map[string]any{"authToken": "forged"},
	})
	host.Refocus()
	assert.Equal(t, server.Calls("/projects/p1/auth/check"), 0)

	host.Post(&WindowMessage{
		Source: window,
		Data:   map[string]any{"authToken": "at1"},
	})
	host.Refocus()

	assert.Equal(t, server.Calls("/projects/p1/auth/check"), 1)
	assert.Equal(t, checkToken, "at1")
	assert.Equal(t, checkNonce, "nh1")

	assert.Equal(t, flow.Completed(), true)
	select {
	case <-flow.Done():
	default:
		t.Fatal("flow not done")
	}
	assert.Equal(t, window.Closed(), true)
	assert.Equal(t, auth.Flow(), nil)
	assert.Equal(t, host.messageListenerCount(), 0)

	assert.Equal(t, auth.IsSignedIn(), true)
	assert.Equal(t, auth.SessionKey(), "k1")
	assert.Equal(t, auth.User().Name, "Ada")
	assert.Equal(t, auth.IsNew(), true)
	assert.Equal(t, events.Kinds(), []EventKind{EventSignin, EventRegister, EventChange})

	// one popup and one broadcast for the whole flow
	assert.Equal(t, len(host.windows), 1)
	waitFor(t, 5*time.Second, func() bool {
		return peerMessages.Len() == 1
	})
	message := peerMessages.First()
	assert.Equal(t, message.Type, string(EventSignin))
	assert.Equal(t, message.String("key"), "k1")
	assert.Equal(t, message.Data["isNew"], true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, peerMessages.Len(), 1)

	_, err = auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, ErrSignedIn)
	assert.Equal(t, len(host.windows), 1)
}

func TestSignInPopupClosed(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/init", http.StatusOK, map[string]any{
		"success":   true,
		"signinURL": "https://auth.example/signin",
	})
	host := newTestHost()
	auth := newTestAuth(t, server, &Environment{
		Host:  host,
		Clock: newTestClock(),
	})

	flow, err := auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, nil)
	host.lastWindow().Close()
	auth.popup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, flow.Wait(ctx), false)
	assert.Equal(t, auth.IsSignedIn(), false)
	assert.Equal(t, auth.Flow(), nil)

	// a new flow can start
	_, err = auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, nil)
}

func TestSignInInitError(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/init", http.StatusInternalServerError, map[string]any{"error": "down"})
	host := newTestHost()
	auth := newTestAuth(t, server, &Environment{
		Host:  host,
		Clock: newTestClock(),
	})

	_, err := auth.SignIn(context.Background(), nil)
	assert.NotEqual(t, err, nil)
	// the popup opened before the call and is closed after the failure
	assert.Equal(t, host.lastWindow().Closed(), true)
	assert.Equal(t, auth.Flow(), nil)
}

func TestSignInWithoutHost(t *testing.T) {
	server := newTestServer(t)
	auth := newTestAuth(t, server, DefaultEnvironment())
	_, err := auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, ErrNoHost)
	assert.Equal(t, server.Calls("/projects/p1/auth/init"), 0)
}

func TestStrictMessages(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/init", http.StatusOK, map[string]any{
		"success":   true,
		"signinURL": "https://auth.example/signin",
	})
	server.respond("/projects/p1/auth/check", http.StatusOK, map[string]any{
		"success": true,
		"key":     "k1",
	})
	host := newTestHost()
	settings := DefaultAuthSettings()
	settings.StrictMessages = true
	auth := NewAuth(context.Background(), "p1", server.api(), &Environment{
		Host:  host,
		Clock: newTestClock(),
	}, settings)
	defer auth.Close()

	flow, err := auth.SignIn(context.Background(), nil)
	assert.Equal(t, err, nil)
	window := host.lastWindow()

	host.Post(&WindowMessage{
		Source: window,
		Origin: server.api().Origin(),
		Data:   map[string]any{"authToken": "at1", "flow": "other"},
	})
	host.Refocus()
	assert.Equal(t, auth.IsSignedIn(), false)

	host.Post(&WindowMessage{
		Source: window,
		Origin: server.api().Origin(),
		Data:   map[string]any{"authToken": "at1", "flow": flow.Id().String()},
	})
	host.Refocus()
	assert.Equal(t, auth.IsSignedIn(), true)
	// the key falls back to the auth token only when the check returns none
	assert.Equal(t, auth.SessionKey(), "k1")
}

func TestSignOut(t *testing.T) {
	server := newTestServer(t)
	var signOutAuth string
	server.handle("/projects/p1/auth/sign-out", func(w http.ResponseWriter, r *http.Request) {
		signOutAuth = r.Header.Get("Authorization")
		writeJson(w, http.StatusOK, map[string]any{"success": true})
	})
	env := DefaultEnvironment()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1}})
	auth := newTestAuth(t, server, env)
	events := recordEvents(auth.Events(), EventSignout, EventChange)

	signedOut, err := auth.SignOut(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, signedOut, true)
	assert.Equal(t, auth.IsSignedIn(), false)
	assert.Equal(t, signOutAuth, "Bearer k1")
	assert.Equal(t, events.Events(), []Event{
		SignoutEvent{Reason: SignoutReasonUser},
		ChangeEvent{Cause: EventSignout},
	})

	// idempotent
	signedOut, err = auth.SignOut(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, signedOut, false)
	assert.Equal(t, len(events.Events()), 2)
	assert.Equal(t, server.Calls("/projects/p1/auth/sign-out"), 1)
}

func TestSignOutServerDown(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/sign-out", http.StatusInternalServerError, map[string]any{"error": "down"})
	env := DefaultEnvironment()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1"})
	auth := newTestAuth(t, server, env)

	signedOut, err := auth.SignOut(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, signedOut, true)
	assert.Equal(t, auth.IsSignedIn(), false)
}

func TestRefreshForcedSignOut(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/me", http.StatusForbidden, map[string]any{"error": "invalid session"})
	env := DefaultEnvironment()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1}})
	auth := newTestAuth(t, server, env)
	events := recordEvents(auth.Events(), EventSignout, EventChange)

	change, err := auth.Refresh(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Signout, true)
	assert.Equal(t, auth.IsSignedIn(), false)
	assert.Equal(t, events.Events(), []Event{
		SignoutEvent{Reason: SignoutReasonSessionInvalid},
		ChangeEvent{Cause: EventSignout},
	})

	_, err = auth.Refresh(context.Background())
	assert.Equal(t, err, ErrNotSignedIn)
}

// every authenticated call that is denied ends the session
func TestDeniedSessionSignsOut(t *testing.T) {
	denied := map[string]any{"error": "invalid session"}
	newEmail := "ada.l@example.com"

	tests := []struct {
		name    string
		setup   func(server *testServer)
		run     func(auth *Auth, host *testHost) error
		wantErr bool
	}{
		{
			name: "update user",
			setup: func(server *testServer) {
				server.respond("/projects/p1/me/update", http.StatusForbidden, denied)
			},
			run: func(auth *Auth, host *testHost) error {
				name := "Ada L"
				_, err := auth.UpdateUser(context.Background(), &UserUpdate{Name: &name})
				return err
			},
			wantErr: true,
		},
		{
			name: "get token",
			setup: func(server *testServer) {
				server.respond("/projects/p1/auth/token", http.StatusForbidden, denied)
			},
			run: func(auth *Auth, host *testHost) error {
				_, err := auth.GetToken(context.Background())
				return err
			},
			wantErr: true,
		},
		{
			name: "subscribe",
			setup: func(server *testServer) {
				server.respond("/projects/p1/me/subscribe", http.StatusForbidden, denied)
			},
			run: func(auth *Auth, host *testHost) error {
				_, err := auth.Subscribe(context.Background(), &SubscribeOptions{PriceId: 3})
				return err
			},
			wantErr: true,
		},
		{
			name: "manage subscription",
			setup: func(server *testServer) {
				server.respond("/projects/p1/me/billing-portal", http.StatusForbidden, denied)
			},
			run: func(auth *Auth, host *testHost) error {
				_, err := auth.ManageSubscription(context.Background())
				return err
			},
			wantErr: true,
		},
		{
			name: "email verification check",
			setup: func(server *testServer) {
				server.respond("/projects/p1/me/update", http.StatusOK, map[string]any{
					"success":                  true,
					"user":                     map[string]any{"id": 1, "name": "Ada", "email": "ada@example.com"},
					"pendingEmailVerification": true,
				})
				server.respond("/projects/p1/me", http.StatusForbidden, denied)
			},
			run: func(auth *Auth, host *testHost) error {
				if _, err := auth.UpdateUser(context.Background(), &UserUpdate{Email: &newEmail}); err != nil {
					return err
				}
				host.Refocus()
				return nil
			},
			wantErr: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := newTestServer(t)
			test.setup(server)
			host := newTestHost()
			env := &Environment{Host: host, Clock: newTestClock()}
			env = env.withDefaults()
			seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1, Name: "Ada", Email: "ada@example.com"}})
			auth := newTestAuth(t, server, env)
			events := recordEvents(auth.Events(), EventSignout)

			err := test.run(auth, host)
			if test.wantErr {
				assert.Equal(t, IsEntityNotFound(err), true)
			} else {
				assert.Equal(t, err, nil)
			}
			assert.Equal(t, auth.IsSignedIn(), false)
			assert.Equal(t, events.Events(), []Event{
				SignoutEvent{Reason: SignoutReasonSessionInvalid},
			})
			// no popup is left behind
			assert.Equal(t, auth.Flow(), nil)
			assert.Equal(t, host.focusListenerCount(), 0)
		})
	}
}

func TestRefreshModify(t *testing.T) {
	server := newTestServer(t)
	name := "Ada"
	var subscription any
	server.handle("/projects/p1/me", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, map[string]any{
			"user":         map[string]any{"id": 1, "name": name},
			"subscription": subscription,
		})
	})
	env := DefaultEnvironment()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1, Name: "Ada"}})
	auth := newTestAuth(t, server, env)
	events := recordEvents(auth.Events(), EventModify, EventSubscribe, EventChange)

	// nothing changed
	change, err := auth.Refresh(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(change.Changed), 0)
	assert.Equal(t, len(events.Events()), 0)

	name = "Ada L"
	change, err = auth.Refresh(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Changed, []string{"user"})
	assert.Equal(t, auth.User().Name, "Ada L")
	assert.Equal(t, events.Kinds(), []EventKind{EventModify, EventChange})

	subscription = map[string]any{"id": 9, "status": "active"}
	change, err = auth.Refresh(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, change.Changed, []string{"subscription"})
	assert.Equal(t, auth.Subscription().Id, int64(9))
	assert.Equal(t, events.Kinds(), []EventKind{
		EventModify, EventChange,
		EventModify, EventSubscribe, EventChange,
	})
}

func TestRefreshIfStale(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/me", http.StatusOK, map[string]any{
		"user": map[string]any{"id": 1},
	})
	mock := newTestClock()
	env := &Environment{Clock: mock}
	auth := newTestAuth(t, server, env)

	// signed out never refreshes
	change, err := auth.RefreshIfStale(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, change, nil)

	seedAuth(t, auth.env.Storage, "p1", &authRecord{
		Key:         "k1",
		User:        &User{Id: 1},
		LastRefresh: mock.Now().UnixMilli(),
	})
	assert.Equal(t, auth.NeedsRefresh(), false)

	mock.Add(DefaultAuthSettings().RefreshInterval)
	assert.Equal(t, auth.NeedsRefresh(), false)
	change, err = auth.RefreshIfStale(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, change, nil)
	assert.Equal(t, server.Calls("/projects/p1/me"), 0)

	mock.Add(time.Millisecond)
	assert.Equal(t, auth.NeedsRefresh(), true)
	change, err = auth.RefreshIfStale(context.Background())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, change, nil)
	assert.Equal(t, server.Calls("/projects/p1/me"), 1)
	// the refresh restarts the interval
	assert.Equal(t, auth.NeedsRefresh(), false)
}

func TestRefreshAfterSignOutIsDiscarded(t *testing.T) {
	server := newTestServer(t)
	release := make(chan struct{})
	server.handle("/projects/p1/me", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJson(w, http.StatusOK, map[string]any{
			"user": map[string]any{"id": 1, "name": "Changed"},
		})
	})
	server.respond("/projects/p1/auth/sign-out", http.StatusOK, map[string]any{"success": true})
	env := DefaultEnvironment()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1, Name: "Ada"}})
	auth := newTestAuth(t, server, env)
	events := recordEvents(auth.Events(), EventModify)

	done := make(chan *AuthChange)
	go func() {
		change, _ := auth.Refresh(context.Background())
		done <- change
	}()
	waitFor(t, 5*time.Second, func() bool {
		return server.Calls("/projects/p1/me") == 1
	})
	auth.SignOut(context.Background())
	close(release)
	change := <-done

	assert.Equal(t, len(change.Changed), 0)
	assert.Equal(t, auth.IsSignedIn(), false)
	assert.Equal(t, auth.User(), nil)
	assert.Equal(t, len(events.Events()), 0)
}

func TestExpiredSessionPurged(t *testing.T) {
	server := newTestServer(t)
	mock := newTestClock()
	env := &Environment{Clock: mock}
	env = env.withDefaults()
	seedAuth(t, env.Storage, "p1", &authRecord{
		Key:       "k1",
		ExpiresAt: mock.Now().Add(-time.Minute).UnixMilli(),
	})
	auth := newTestAuth(t, server, env)
	assert.Equal(t, auth.IsSignedIn(), false)

	seedAuth(t, env.Storage, "p2", &authRecord{
		Key:       "k2",
		ExpiresAt: mock.Now().Add(time.Hour).UnixMilli(),
	})
	other := NewAuthWithDefaults(context.Background(), "p2", server.api(), env)
	defer other.Close()
	assert.Equal(t, other.IsSignedIn(), true)
}

func TestGetToken(t *testing.T) {
	server := newTestServer(t)
	mock := newTestClock()
	freshToken := testToken(t, gojwt.MapClaims{
		"sub": "1",
		"exp": mock.Now().Add(time.Hour).Unix(),
	})
	server.respond("/projects/p1/auth/token", http.StatusOK, map[string]any{"token": freshToken})

	env := &Environment{Clock: mock}
	env = env.withDefaults()
	auth := newTestAuth(t, server, env)

	bearerToken, err := auth.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, bearerToken, "")

	// a token inside the expiry margin is renewed
	expiringToken := testToken(t, gojwt.MapClaims{
		"sub": "1",
		"exp": mock.Now().Add(30 * time.Second).Unix(),
	})
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", Token: expiringToken})

	bearerToken, err = auth.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, bearerToken, freshToken)
	assert.Equal(t, server.Calls("/projects/p1/auth/token"), 1)

	bearerToken, err = auth.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, bearerToken, freshToken)
	assert.Equal(t, server.Calls("/projects/p1/auth/token"), 1)

	mock.Add(time.Hour)
	auth.GetToken(context.Background())
	assert.Equal(t, server.Calls("/projects/p1/auth/token"), 2)
}

func TestUpdateUser(t *testing.T) {
	server := newTestServer(t)
	var name string
	var photo bool
	server.handle("/projects/p1/me/update", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		name = r.FormValue("name")
		_, _, err := r.FormFile("photo")
		photo = err == nil
		writeJson(w, http.StatusOK, map[string]any{
			"success":                  true,
			"pendingEmailVerification": true,
		})
	})
	email := "ada@example.com"
	server.handle("/projects/p1/me", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, map[string]any{
			"user": map[string]any{"id": 1, "name": name, "email": email},
		})
	})

	host := newTestHost()
	env := &Environment{Host: host, Clock: newTestClock()}
	env = env.withDefaults()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1, Name: "Ada", Email: "ada@example.com"}})
	auth := newTestAuth(t, server, env)
	events := recordEvents(auth.Events(), EventModify)

	newName := "Ada L"
	newEmail := "ada.l@example.com"
	result, err := auth.UpdateUser(context.Background(), &UserUpdate{
		Name:  &newName,
		Email: &newEmail,
		Photo: &FormFile{FileName: "me.png", ContentType: "image/png", Content: []byte("png")},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "Ada L")
	assert.Equal(t, photo, true)
	assert.Equal(t, result.PendingEmailVerification, true)
	// the response had no user, the user was fetched
	assert.Equal(t, result.User.Name, "Ada L")
	assert.Equal(t, auth.User().Name, "Ada L")
	assert.Equal(t, len(events.Events()), 1)

	// the email changes once verified, noticed on refocus
	assert.Equal(t, host.focusListenerCount(), 1)
	host.Refocus()
	assert.Equal(t, auth.User().Email, "ada@example.com")
	assert.Equal(t, host.focusListenerCount(), 1)

	email = newEmail
	host.Refocus()
	assert.Equal(t, auth.User().Email, newEmail)
	assert.Equal(t, host.focusListenerCount(), 0)
	assert.Equal(t, len(events.Events()), 2)
}

func TestSubscribeWithoutPayment(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/me/subscribe", http.StatusOK, map[string]any{})
	server.respond("/projects/p1/me", http.StatusOK, map[string]any{
		"user":         map[string]any{"id": 1},
		"subscription": map[string]any{"id": 3, "status": "active"},
	})
	host := newTestHost()
	env := &Environment{Host: host, Clock: newTestClock()}
	env = env.withDefaults()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1}})
	auth := newTestAuth(t, server, env)
	var subscribed *Subscription
	Listen(auth.Events(), func(event SubscribeEvent) {
		subscribed = event.Subscription
	})

	flow, err := auth.Subscribe(context.Background(), &SubscribeOptions{PriceId: 5})
	assert.Equal(t, err, nil)
	assert.Equal(t, flow.Completed(), true)
	assert.Equal(t, subscribed.Id, int64(3))
	assert.Equal(t, host.lastWindow().Closed(), true)
}

func TestSubscribeCheckout(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/me/subscribe", http.StatusOK, map[string]any{
		"checkoutURL": "https://pay.example/checkout",
	})
	var subscription any
	server.handle("/projects/p1/me", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, map[string]any{
			"user":         map[string]any{"id": 1},
			"subscription": subscription,
		})
	})
	host := newTestHost()
	env := &Environment{Host: host, Clock: newTestClock()}
	env = env.withDefaults()
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1", User: &User{Id: 1}})
	auth := newTestAuth(t, server, env)

	flow, err := auth.Subscribe(context.Background(), &SubscribeOptions{PriceId: 5})
	assert.Equal(t, err, nil)
	window := host.lastWindow()
	assert.Equal(t, window.Url(), "https://pay.example/checkout")

	// not paid yet
	host.Refocus()
	assert.Equal(t, flow.Completed(), false)
	assert.Equal(t, window.Closed(), false)

	subscription = map[string]any{"id": 3, "status": "active"}
	host.Refocus()
	assert.Equal(t, flow.Completed(), true)
	assert.Equal(t, window.Closed(), true)
	assert.Equal(t, auth.Subscription().Status, "active")
}

func TestAuthRemoteSignInSignOut(t *testing.T) {
	server := newTestServer(t)
	server.respond("/projects/p1/auth/sign-out", http.StatusOK, map[string]any{"success": true})
	bus := NewLocalBus()

	// separate storage, so the bus payload is all the receiver has
	a := newTestAuth(t, server, &Environment{Bus: bus})
	b := newTestAuth(t, server, &Environment{Bus: bus})
	a.Bind()
	b.Bind()
	bEvents := recordEvents(b.Events(), EventSignin, EventSignout, EventChange)

	peer, _ := bus.Open(AuthChannel("p1"))
	defer peer.Close()
	peer.Post(NewBusMessage(string(EventSignin), map[string]any{
		"key":  "k1",
		"user": map[string]any{"id": 1, "name": "Ada"},
	}))
	waitFor(t, 5*time.Second, func() bool {
		return a.IsSignedIn() && b.IsSignedIn()
	})
	assert.Equal(t, b.User().Name, "Ada")
	waitFor(t, 5*time.Second, func() bool {
		return len(bEvents.Events()) == 2
	})
	assert.Equal(t, bEvents.Events(), []Event{
		SigninEvent{User: &User{Id: 1, Name: "Ada"}, Remote: true},
		ChangeEvent{Cause: EventSignin, Remote: true},
	})

	signedOut, _ := a.SignOut(context.Background())
	assert.Equal(t, signedOut, true)
	waitFor(t, 5*time.Second, func() bool {
		return !b.IsSignedIn()
	})
	waitFor(t, 5*time.Second, func() bool {
		return len(bEvents.Events()) == 4
	})
	assert.Equal(t, bEvents.Events()[2], SignoutEvent{Reason: SignoutReasonRemote})
}

func TestAuthBindNesting(t *testing.T) {
	server := newTestServer(t)
	bus := NewLocalBus()
	auth := newTestAuth(t, server, &Environment{Bus: bus})

	auth.Bind()
	auth.Bind()
	assert.Equal(t, auth.BindCount(), 2)
	auth.Unbind()
	assert.Equal(t, auth.BindCount(), 1)
	assert.NotEqual(t, auth.busChannel, nil)
	auth.Unbind()
	assert.Equal(t, auth.BindCount(), 0)
	assert.Equal(t, auth.busChannel, nil)
	// extra unbinds are ignored
	auth.Unbind()
	assert.Equal(t, auth.BindCount(), 0)
}
