package reflow

import (
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("condition not met after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// a mock clock at the current wall time, so jwt and expiry math sees real dates
func newTestClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Now())
	return mock
}

// memory storage and a mock clock, so debounced refreshes only run when the test advances time
func newTestEnv() *Environment {
	env := &Environment{Clock: newTestClock()}
	return env.withDefaults()
}

type testWindow struct {
	mutex     sync.Mutex
	documents []string
	url       string
	focused   int
	closed    bool
}

func (self *testWindow) WriteDocument(html string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.documents = append(self.documents, html)
	return nil
}

func (self *testWindow) SetURL(url string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.url = url
	return nil
}

func (self *testWindow) Focus() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.focused += 1
}

func (self *testWindow) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

func (self *testWindow) Closed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

func (self *testWindow) Url() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.url
}

func (self *testWindow) Focused() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.focused
}

// in memory host. Focus and messages are delivered synchronously by the test.
type testHost struct {
	mutex    sync.Mutex
	blocked  bool
	windows  []*testWindow
	rects    []Rect
	focus    map[Id]func()
	messages map[Id]func(*WindowMessage)
}

func newTestHost() *testHost {
	return &testHost{
		focus:    map[Id]func(){},
		messages: map[Id]func(*WindowMessage){},
	}
}

func (self *testHost) OpenWindow(name string, rect Rect) (Window, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.blocked {
		return nil, ErrPopupBlocked
	}
	window := &testWindow{}
	self.windows = append(self.windows, window)
	self.rects = append(self.rects, rect)
	return window, nil
}

func (self *testHost) OpenerGeometry() Rect {
	return Rect{X: 100, Y: 50, Width: 1200, Height: 800}
}

func (self *testHost) OnFocus(callback func()) func() {
	callbackId := NewId()
	self.mutex.Lock()
	self.focus[callbackId] = callback
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.focus, callbackId)
	}
}

func (self *testHost) OnMessage(callback func(*WindowMessage)) func() {
	callbackId := NewId()
	self.mutex.Lock()
	self.messages[callbackId] = callback
	self.mutex.Unlock()
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.messages, callbackId)
	}
}

func (self *testHost) Refocus() {
	self.mutex.Lock()
	callbacks := []func(){}
	for _, callback := range self.focus {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

func (self *testHost) Post(message *WindowMessage) {
	self.mutex.Lock()
	callbacks := []func(*WindowMessage){}
	for _, callback := range self.messages {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()
	for _, callback := range callbacks {
		callback(message)
	}
}

func (self *testHost) lastWindow() *testWindow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.windows) == 0 {
		return nil
	}
	return self.windows[len(self.windows)-1]
}

func (self *testHost) focusListenerCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.focus)
}

func (self *testHost) messageListenerCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.messages)
}

// api server with handlers by path. Unhandled paths are 404.
type testServer struct {
	*httptest.Server

	mutex    sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

func newTestServer(t *testing.T) *testServer {
	server := &testServer{
		handlers: map[string]http.HandlerFunc{},
		calls:    map[string]int{},
	}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.mutex.Lock()
		server.calls[r.URL.Path] += 1
		handler, ok := server.handlers[r.URL.Path]
		server.mutex.Unlock()
		if !ok {
			writeJson(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func (self *testServer) handle(path string, handler http.HandlerFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handlers[path] = handler
}

func (self *testServer) respond(path string, status int, body any) {
	self.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, status, body)
	})
}

func (self *testServer) Calls(path string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.calls[path]
}

func (self *testServer) api() *Api {
	return NewApi(self.URL)
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// an auth record written straight to storage, as another process would have left it
func seedAuth(t *testing.T, storage Storage, projectId string, record *authRecord) {
	if err := NewStore(storage, EntityAuth, projectId).SetFrom(record); err != nil {
		t.Fatal(err)
	}
}

func seedCart(t *testing.T, storage Storage, storeId string, record *cartRecord) {
	if err := NewStore(storage, EntityCart, storeId).SetFrom(record); err != nil {
		t.Fatal(err)
	}
}

// collects events of the given kinds in order
type eventLog struct {
	mutex  sync.Mutex
	events []Event
}

func recordEvents(emitter *Emitter, kinds ...EventKind) *eventLog {
	log := &eventLog{}
	listener := NewListener(func(event Event) {
		log.mutex.Lock()
		defer log.mutex.Unlock()
		log.events = append(log.events, event)
	})
	for _, kind := range kinds {
		emitter.On(kind, listener)
	}
	return log
}

func (self *eventLog) Events() []Event {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]Event{}, self.events...)
}

func (self *eventLog) Kinds() []EventKind {
	kinds := []EventKind{}
	for _, event := range self.Events() {
		kinds = append(kinds, event.Kind())
	}
	return kinds
}
