package reflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestLoopbackHost(t *testing.T) (*LoopbackHost, func() []string) {
	var mutex sync.Mutex
	printed := []string{}
	settings := DefaultLoopbackHostSettings()
	settings.ListenAddr = "127.0.0.1:0"
	settings.OpenCommand = nil
	settings.PrintUrl = func(url string) {
		mutex.Lock()
		defer mutex.Unlock()
		printed = append(printed, url)
	}
	host, err := NewLoopbackHost(context.Background(), settings)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Close)
	return host, func() []string {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]string{}, printed...)
	}
}

func httpGet(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestLoopbackHostFlow(t *testing.T) {
	host, printed := newTestLoopbackHost(t)
	baseUrl := strings.TrimSuffix(host.ReturnURL(), "/callback")

	window, err := host.OpenWindow("reflow-auth", Rect{Width: 500, Height: 650})
	assert.Equal(t, err, nil)
	// without an open command the page url is printed
	assert.Equal(t, printed(), []string{baseUrl + "/"})

	window.WriteDocument("<html><body><p>Loading...</p></body></html>")
	status, body := httpGet(t, baseUrl+"/")
	assert.Equal(t, status, http.StatusOK)
	assert.Equal(t, strings.Contains(body, "Loading..."), true)
	assert.Equal(t, strings.Contains(body, "fetch('/next')"), true)

	next := map[string]any{}
	_, body = httpGet(t, baseUrl+"/next")
	json.Unmarshal([]byte(body), &next)
	assert.Equal(t, len(next), 0)

	window.SetURL("https://auth.example/signin")
	assert.Equal(t, printed()[1], "https://auth.example/signin")
	_, body = httpGet(t, baseUrl+"/next")
	json.Unmarshal([]byte(body), &next)
	assert.Equal(t, next["url"], "https://auth.example/signin")

	var mutex sync.Mutex
	var message *WindowMessage
	host.OnMessage(func(m *WindowMessage) {
		mutex.Lock()
		defer mutex.Unlock()
		message = m
	})
	var focused atomic.Int32
	host.OnFocus(func() {
		focused.Add(1)
	})

	status, _ = httpGet(t, host.ReturnURL()+"?authToken=t1&flow=f1")
	assert.Equal(t, status, http.StatusOK)
	waitFor(t, 5*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return message != nil
	})
	mutex.Lock()
	assert.Equal(t, message.Source == window, true)
	assert.Equal(t, message.Data["authToken"], "t1")
	assert.Equal(t, message.Data["flow"], "f1")
	mutex.Unlock()
	// the callback hands focus back to the opener
	waitFor(t, 5*time.Second, func() bool {
		return focused.Load() == 1
	})

	window.Close()
	next = map[string]any{}
	_, body = httpGet(t, baseUrl+"/next")
	json.Unmarshal([]byte(body), &next)
	assert.Equal(t, next["closed"], true)
	assert.NotEqual(t, window.SetURL("https://auth.example/signin"), nil)
}

func TestLoopbackHostNoWindow(t *testing.T) {
	host, _ := newTestLoopbackHost(t)
	status, _ := httpGet(t, host.ReturnURL()+"?authToken=t1")
	assert.Equal(t, status, http.StatusGone)
}

// a second open replaces the first window
func TestLoopbackHostReplaceWindow(t *testing.T) {
	host, _ := newTestLoopbackHost(t)
	first, _ := host.OpenWindow("reflow-auth", Rect{})
	second, _ := host.OpenWindow("reflow-auth", Rect{})
	assert.Equal(t, first.Closed(), true)
	assert.Equal(t, second.Closed(), false)
}
