package reflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

const FileBusRetention = 1 * time.Minute

// FileBus connects SDK instances in different processes that share a directory.
// Each post is a `<ulid>.json` file in the channel directory; receivers watch the directory.
type FileBus struct {
	dir string
}

func NewFileBus(dir string) (*FileBus, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBus{
		dir: dir,
	}, nil
}

func NewFileBusWithDefaults() (*FileBus, error) {
	root, err := StateDir()
	if err != nil {
		return nil, err
	}
	return NewFileBus(filepath.Join(root, "bus"))
}

func (self *FileBus) Open(channel string) (BusChannel, error) {
	dir := filepath.Join(self.dir, unsafeKeyChars.ReplaceAllString(channel, "_"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	busChannel := &fileBusChannel{
		ctx:         ctx,
		cancel:      cancel,
		dir:         dir,
		watcher:     watcher,
		subscribers: newBusSubscribers(),
	}
	go busChannel.run()
	return busChannel, nil
}

type fileBusChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	dir         string
	watcher     *fsnotify.Watcher
	subscribers *busSubscribers
}

func (self *fileBusChannel) run() {
	defer self.watcher.Close()
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			self.receive(event.Name)
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[bus]%s watch error = %s\n", self.dir, err)
		}
	}
}

func (self *fileBusChannel) receive(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// pruned by another process before we got to it
		glog.V(2).Infof("[bus]%s read error = %s\n", path, err)
		return
	}
	message := &BusMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		glog.Infof("[bus]%s bad message = %s\n", path, err)
		return
	}
	self.subscribers.dispatch(message)
}

func (self *fileBusChannel) Post(message *BusMessage) error {
	stamped := self.subscribers.stamp(message)
	data, err := json.Marshal(stamped)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(self.dir, ".post-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(self.dir, NewId().String()+".json")); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	self.prune()
	return nil
}

// remove posts older than the retention window, judged by the ulid timestamp in the name
func (self *fileBusChannel) prune() {
	entries, err := os.ReadDir(self.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-FileBusRetention)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		u, err := ulid.ParseStrict(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if ulid.Time(u.Time()).Before(cutoff) {
			os.Remove(filepath.Join(self.dir, name))
		}
	}
}

func (self *fileBusChannel) Subscribe(callback func(*BusMessage)) func() {
	return self.subscribers.add(callback)
}

func (self *fileBusChannel) Close() {
	self.cancel()
	self.subscribers.clear()
}
