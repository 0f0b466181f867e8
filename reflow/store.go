package reflow

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// Storage is the medium behind a `Store`: byte slots keyed by string.
// All SDK instances for the same entity id that share a Storage see the same slot.
type Storage interface {
	// Get returns the slot data and whether it was present.
	Get(key string) (data []byte, found bool, err error)

	// Set overwrites the slot.
	Set(key string, data []byte) error

	// Delete removes the slot. Deleting a missing slot is not an error.
	Delete(key string) error
}

type EntityKind string

const (
	EntityAuth EntityKind = "auth"
	EntityCart EntityKind = "cart"
)

func StoreKey(kind EntityKind, id string) string {
	return fmt.Sprintf("reflow-%s-%s", kind, id)
}

// Store is the json record for one entity, e.g. the auth session of one project.
// Reads never fail: a missing, unreadable or corrupt slot is an empty record.
type Store struct {
	storage Storage
	key     string
}

func NewStore(storage Storage, kind EntityKind, id string) *Store {
	return NewStoreWithKey(storage, StoreKey(kind, id))
}

func NewStoreWithKey(storage Storage, key string) *Store {
	return &Store{
		storage: storage,
		key:     key,
	}
}

func (self *Store) Key() string {
	return self.key
}

func (self *Store) Record() map[string]any {
	data, found, err := self.storage.Get(self.key)
	if err != nil {
		glog.Infof("[store]%s read error = %s\n", self.key, err)
		return map[string]any{}
	}
	if !found || len(data) == 0 {
		return map[string]any{}
	}
	record := map[string]any{}
	if err := json.Unmarshal(data, &record); err != nil {
		glog.Infof("[store]%s parse error = %s\n", self.key, err)
		return map[string]any{}
	}
	if record == nil {
		// the slot held `null`
		return map[string]any{}
	}
	return record
}

// Get returns the whole record when `field` is empty, else the field value or `defaultValue`
func (self *Store) Get(field string, defaultValue any) any {
	record := self.Record()
	if field == "" {
		return record
	}
	if value, ok := record[field]; ok && value != nil {
		return value
	}
	return defaultValue
}

// Decode fills `v` from the record using the json field names
func (self *Store) Decode(v any) error {
	return jsonConvert(self.Record(), v)
}

// Set shallow merges `partial` into the current record and writes it back.
// A nil value in `partial` removes the field.
func (self *Store) Set(partial map[string]any) error {
	record := self.Record()
	next := maps.Clone(record)
	for field, value := range partial {
		if value == nil {
			delete(next, field)
		} else {
			next[field] = value
		}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return self.storage.Set(self.key, data)
}

// SetFrom merges the json form of the struct `v` into the record
func (self *Store) SetFrom(v any) error {
	partial := map[string]any{}
	if err := jsonConvert(v, &partial); err != nil {
		return err
	}
	return self.Set(partial)
}

func (self *Store) Clear() error {
	return self.storage.Delete(self.key)
}
