package reflow

import (
	"sync"
)

// MemoryStorage keeps slots for the lifetime of the process.
// It is the session-scoped medium, and the shared medium when all tabs live in one process.
type MemoryStorage struct {
	mutex sync.Mutex
	slots map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		slots: map[string][]byte{},
	}
}

func (self *MemoryStorage) Get(key string) ([]byte, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	data, ok := self.slots[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (self *MemoryStorage) Set(key string, data []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	in := make([]byte, len(data))
	copy(in, data)
	self.slots[key] = in
	return nil
}

func (self *MemoryStorage) Delete(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.slots, key)
	return nil
}
