package reflow

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

var ErrPopupBlocked = errors.New("The popup window was blocked.")

type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// a window opened by the host, e.g. a browser popup
type Window interface {
	WriteDocument(html string) error
	SetURL(url string) error
	Focus()
	Close()
	Closed() bool
}

// a message posted to the opener window
type WindowMessage struct {
	// the window that posted the message
	Source Window
	Origin string
	Data   map[string]any
}

func (self *WindowMessage) String(key string) string {
	if v, ok := self.Data[key].(string); ok {
		return v
	}
	return ""
}

// Host is the environment of the opener window.
type Host interface {
	// opens a blank window. Returns `ErrPopupBlocked` when the host refuses.
	OpenWindow(name string, rect Rect) (Window, error)
	// geometry of the opener window in screen coordinates
	OpenerGeometry() Rect
	// called when the opener window regains focus or becomes visible
	OnFocus(callback func()) (unsub func())
	OnMessage(callback func(*WindowMessage)) (unsub func())
}

// a host that can tell the auth server where to deliver the token, e.g. a loopback listener
type ReturnUrlHost interface {
	Host
	ReturnURL() string
}

type PopupState int

const (
	PopupClosed PopupState = iota
	PopupOpening
	PopupOpen
)

func (self PopupState) String() string {
	switch self {
	case PopupOpening:
		return "opening"
	case PopupOpen:
		return "open"
	default:
		return "closed"
	}
}

type PopupSettings struct {
	Name         string
	Width        int
	Height       int
	PollInterval time.Duration
	LoadingHtml  string
}

func DefaultPopupSettings() *PopupSettings {
	return &PopupSettings{
		Name:         "reflow-popup",
		Width:        500,
		Height:       650,
		PollInterval: 500 * time.Millisecond,
		LoadingHtml:  defaultLoadingHtml,
	}
}

const defaultLoadingHtml = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Loading</title>
<style>body{font-family:sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0;color:#555}</style>
</head><body>Loading&hellip;</body></html>`

type PopupOpenOptions struct {
	// called when the opener regains focus while the popup is open.
	// Overlapping invocations are dropped.
	OnParentRefocus func()
	// called once after the popup closes, organically or by `Close`
	OnClose func()
}

// PopupWindow owns one named popup, its focus listener and its liveness ticker.
type PopupWindow struct {
	host     Host
	clock    clock.Clock
	settings *PopupSettings

	mutex    sync.Mutex
	state    PopupState
	window   Window
	teardown func()
}

func NewPopupWindowWithDefaults(host Host, clk clock.Clock) *PopupWindow {
	return NewPopupWindow(host, clk, DefaultPopupSettings())
}

func NewPopupWindow(host Host, clk clock.Clock, settings *PopupSettings) *PopupWindow {
	return &PopupWindow{
		host:     host,
		clock:    clk,
		settings: settings,
		state:    PopupClosed,
	}
}

func (self *PopupWindow) State() PopupState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *PopupWindow) IsOpen() bool {
	return self.State() != PopupClosed
}

// the open window, or nil
func (self *PopupWindow) Window() Window {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.window
}

// centered over the opener window
func (self *PopupWindow) rect() Rect {
	opener := self.host.OpenerGeometry()
	return Rect{
		X:      opener.X + (opener.Width-self.settings.Width)/2,
		Y:      opener.Y + (opener.Height-self.settings.Height)/2,
		Width:  self.settings.Width,
		Height: self.settings.Height,
	}
}

// Open opens a blank popup, or focuses the popup that is already open and returns false.
// This must be called before any network call so hosts that only allow popups
// from a user gesture accept it.
func (self *PopupWindow) Open(options *PopupOpenOptions) (bool, error) {
	if options == nil {
		options = &PopupOpenOptions{}
	}

	self.mutex.Lock()
	if self.state != PopupClosed {
		window := self.window
		self.mutex.Unlock()
		if window != nil {
			window.Focus()
		}
		return false, nil
	}
	self.state = PopupOpening
	self.mutex.Unlock()

	window, err := self.host.OpenWindow(self.settings.Name, self.rect())
	if err == nil && window == nil {
		err = ErrPopupBlocked
	}
	if err != nil {
		self.mutex.Lock()
		self.state = PopupClosed
		self.mutex.Unlock()
		glog.Infof("[popup]open error = %s\n", err)
		return false, err
	}
	if err := window.WriteDocument(self.settings.LoadingHtml); err != nil {
		glog.V(2).Infof("[popup]loading document error = %s\n", err)
	}

	var refocusRunning atomic.Bool
	unsubFocus := self.host.OnFocus(func() {
		if options.OnParentRefocus == nil {
			return
		}
		if !refocusRunning.CompareAndSwap(false, true) {
			glog.V(2).Infof("[popup]refocus dropped, handler running\n")
			return
		}
		defer refocusRunning.Store(false)
		HandleError(options.OnParentRefocus)
	})

	ticker := self.clock.Ticker(self.settings.PollInterval)
	done := make(chan struct{})
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			unsubFocus()
			ticker.Stop()
			close(done)

			self.mutex.Lock()
			self.state = PopupClosed
			self.window = nil
			self.teardown = nil
			self.mutex.Unlock()

			glog.V(1).Infof("[popup]closed\n")
			if options.OnClose != nil {
				HandleError(options.OnClose)
			}
		})
	}

	self.mutex.Lock()
	self.state = PopupOpen
	self.window = window
	self.teardown = teardown
	self.mutex.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if window.Closed() {
					teardown()
					return
				}
			}
		}
	}()

	glog.V(1).Infof("[popup]open\n")
	return true, nil
}

// navigates the open popup, e.g. once the destination url is known
func (self *PopupWindow) SetURL(url string) error {
	window := self.Window()
	if window == nil {
		return errors.New("Popup is not open.")
	}
	return window.SetURL(url)
}

func (self *PopupWindow) Focus() {
	if window := self.Window(); window != nil {
		window.Focus()
	}
}

// force closes the popup and runs the same teardown as an organic close
func (self *PopupWindow) Close() {
	self.mutex.Lock()
	window := self.window
	teardown := self.teardown
	self.mutex.Unlock()

	if window != nil {
		window.Close()
	}
	if teardown != nil {
		teardown()
	}
}
