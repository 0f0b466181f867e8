package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

type LoopbackHostSettings struct {
	ListenAddr string
	// command used to open a url in the system browser. The url is appended.
	// Empty means print the url instead.
	OpenCommand []string
	PrintUrl    func(url string)
	// the screen the opener is assumed to occupy
	Screen Rect
}

func DefaultLoopbackHostSettings() *LoopbackHostSettings {
	var openCommand []string
	switch runtime.GOOS {
	case "darwin":
		openCommand = []string{"open"}
	case "windows":
		openCommand = []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		openCommand = []string{"xdg-open"}
	}
	return &LoopbackHostSettings{
		ListenAddr:  "127.0.0.1:0",
		OpenCommand: openCommand,
		PrintUrl: func(url string) {
			fmt.Printf("Open this url in your browser: %s\n", url)
		},
		Screen: Rect{Width: 1280, Height: 800},
	}
}

// LoopbackHost runs popup flows in the system browser.
// The blank popup is a page served from a 127.0.0.1 listener that follows the url set later.
// The auth server redirects to `/callback?authToken=...&flow=...`, which becomes a window
// message followed by a parent focus event.
type LoopbackHost struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LoopbackHostSettings
	listener net.Listener
	server   *http.Server

	mutex    sync.Mutex
	window   *loopbackWindow
	focus    map[Id]func()
	messages map[Id]func(*WindowMessage)
}

func NewLoopbackHostWithDefaults(ctx context.Context) (*LoopbackHost, error) {
	return NewLoopbackHost(ctx, DefaultLoopbackHostSettings())
}

func NewLoopbackHost(ctx context.Context, settings *LoopbackHostSettings) (*LoopbackHost, error) {
	listener, err := net.Listen("tcp", settings.ListenAddr)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	host := &LoopbackHost{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		listener: listener,
		focus:    map[Id]func(){},
		messages: map[Id]func(*WindowMessage){},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", host.handleDocument)
	mux.HandleFunc("/next", host.handleNext)
	mux.HandleFunc("/callback", host.handleCallback)
	host.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := host.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			glog.Infof("[loopback]serve error = %s\n", err)
		}
	}()
	go func() {
		<-cancelCtx.Done()
		host.server.Close()
	}()
	return host, nil
}

func (self *LoopbackHost) baseUrl() string {
	return fmt.Sprintf("http://%s", self.listener.Addr().String())
}

func (self *LoopbackHost) ReturnURL() string {
	return self.baseUrl() + "/callback"
}

func (self *LoopbackHost) OpenerGeometry() Rect {
	return self.settings.Screen
}

func (self *LoopbackHost) OpenWindow(name string, rect Rect) (Window, error) {
	window := &loopbackWindow{
		host: self,
		name: name,
	}
	self.mutex.Lock()
	if self.window != nil {
		self.window.markClosed()
	}
	self.window = window
	self.mutex.Unlock()

	pageUrl := self.baseUrl() + "/"
	if len(self.settings.OpenCommand) == 0 {
		if self.settings.PrintUrl != nil {
			self.settings.PrintUrl(pageUrl)
		}
		return window, nil
	}
	args := append([]string{}, self.settings.OpenCommand[1:]...)
	args = append(args, pageUrl)
	if err := exec.Command(self.settings.OpenCommand[0], args...).Start(); err != nil {
		glog.Infof("[loopback]browser launch error = %s\n", err)
		self.mutex.Lock()
		if self.window == window {
			self.window = nil
		}
		self.mutex.Unlock()
		return nil, ErrPopupBlocked
	}
	return window, nil
}

func (self *LoopbackHost) OnFocus(callback func()) func() {
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

func (self *LoopbackHost) OnMessage(callback func(*WindowMessage)) func() {
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

// Refocus signals that the user came back to the opener, e.g. pressed enter in the terminal
func (self *LoopbackHost) Refocus() {
	self.mutex.Lock()
	callbacks := make([]func(), 0, len(self.focus))
	for _, callback := range self.focus {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()
	for _, callback := range callbacks {
		HandleError(callback)
	}
}

func (self *LoopbackHost) postMessage(message *WindowMessage) {
	self.mutex.Lock()
	callbacks := make([]func(*WindowMessage), 0, len(self.messages))
	for _, callback := range self.messages {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(message)
		})
	}
}

func (self *LoopbackHost) currentWindow() *loopbackWindow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.window
}

const loopbackFollowScript = `<script>
setInterval(function() {
	fetch('/next').then(function(r) { return r.json() }).then(function(next) {
		if (next.closed) { window.close() }
		else if (next.url) { window.location = next.url }
	}).catch(function() {})
}, 500)
</script>`

func (self *LoopbackHost) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	window := self.currentWindow()
	document := defaultLoadingHtml
	if window != nil {
		if d := window.document(); d != "" {
			document = d
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if i := strings.LastIndex(document, "</body>"); 0 <= i {
		document = document[:i] + loopbackFollowScript + document[i:]
	} else {
		document = document + loopbackFollowScript
	}
	fmt.Fprint(w, document)
}

func (self *LoopbackHost) handleNext(w http.ResponseWriter, r *http.Request) {
	next := map[string]any{}
	window := self.currentWindow()
	if window == nil || window.Closed() {
		next["closed"] = true
	} else if url := window.url(); url != "" {
		next["url"] = url
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(next)
}

func (self *LoopbackHost) handleCallback(w http.ResponseWriter, r *http.Request) {
	window := self.currentWindow()
	if window == nil {
		http.Error(w, "No sign in is in progress.", http.StatusGone)
		return
	}

	data := map[string]any{}
	for key, values := range r.URL.Query() {
		if len(values) != 0 {
			data[key] = values[0]
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		if referer, err := url.Parse(r.Referer()); err == nil && referer.Host != "" {
			origin = fmt.Sprintf("%s://%s", referer.Scheme, referer.Host)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(
		w,
		"<!DOCTYPE html><html><body><p>%s</p><script>window.close()</script></body></html>",
		html.EscapeString("You can close this window and return to the application."),
	)

	self.postMessage(&WindowMessage{
		Source: window,
		Origin: origin,
		Data:   data,
	})
	// the user is sent back to the opener
	go self.Refocus()
}

func (self *LoopbackHost) Close() {
	self.cancel()
}

type loopbackWindow struct {
	host *LoopbackHost
	name string

	mutex     sync.Mutex
	html      string
	targetUrl string
	closed    bool
}

func (self *loopbackWindow) WriteDocument(html string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.html = html
	return nil
}

func (self *loopbackWindow) document() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.html
}

func (self *loopbackWindow) url() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.targetUrl
}

func (self *loopbackWindow) SetURL(url string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return fmt.Errorf("Window is closed.")
	}
	self.targetUrl = url
	if len(self.host.settings.OpenCommand) == 0 && self.host.settings.PrintUrl != nil {
		self.host.settings.PrintUrl(url)
	}
	return nil
}

// the system browser cannot be focused from here
func (self *loopbackWindow) Focus() {
	glog.V(2).Infof("[loopback]focus %s\n", self.name)
}

func (self *loopbackWindow) markClosed() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

func (self *loopbackWindow) Close() {
	self.markClosed()
}

func (self *loopbackWindow) Closed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}
