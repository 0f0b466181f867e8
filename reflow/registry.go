package reflow

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type registryEntry[T any] struct {
	value T
	refs  int
}

// Registry shares one state machine per entity id between the consumers of an application.
// The application root owns it. Each acquire binds the instance and each release unbinds it;
// the last release closes the instance and forgets it.
type Registry struct {
	ctx          context.Context
	api          *Api
	env          *Environment
	authSettings *AuthSettings
	cartSettings *CartSettings

	mutex sync.Mutex
	auths map[string]*registryEntry[*Auth]
	carts map[string]*registryEntry[*Cart]
}

func NewRegistryWithDefaults(ctx context.Context, api *Api, env *Environment) *Registry {
	return NewRegistry(ctx, api, env, DefaultAuthSettings(), DefaultCartSettings())
}

func NewRegistry(
	ctx context.Context,
	api *Api,
	env *Environment,
	authSettings *AuthSettings,
	cartSettings *CartSettings,
) *Registry {
	return &Registry{
		ctx:          ctx,
		api:          api,
		env:          env.withDefaults(),
		authSettings: authSettings,
		cartSettings: cartSettings,
		auths:        map[string]*registryEntry[*Auth]{},
		carts:        map[string]*registryEntry[*Cart]{},
	}
}

func (self *Registry) AcquireAuth(projectId string) *Auth {
	self.mutex.Lock()
	entry, ok := self.auths[projectId]
	if !ok {
		entry = &registryEntry[*Auth]{
			value: NewAuth(self.ctx, projectId, self.api, self.env, self.authSettings),
		}
		self.auths[projectId] = entry
	}
	entry.refs += 1
	glog.V(2).Infof("[registry]auth %s refs = %d\n", projectId, entry.refs)
	self.mutex.Unlock()

	entry.value.Bind()
	return entry.value
}

// returns false when the auth was not acquired
func (self *Registry) ReleaseAuth(projectId string) bool {
	self.mutex.Lock()
	entry, ok := self.auths[projectId]
	if !ok {
		self.mutex.Unlock()
		return false
	}
	entry.refs -= 1
	last := entry.refs == 0
	if last {
		delete(self.auths, projectId)
	}
	self.mutex.Unlock()

	entry.value.Unbind()
	if last {
		entry.value.Close()
	}
	return true
}

func (self *Registry) AcquireCart(storeId string) *Cart {
	self.mutex.Lock()
	entry, ok := self.carts[storeId]
	if !ok {
		entry = &registryEntry[*Cart]{
			value: NewCart(self.ctx, storeId, self.api, self.env, self.cartSettings),
		}
		self.carts[storeId] = entry
	}
	entry.refs += 1
	glog.V(2).Infof("[registry]cart %s refs = %d\n", storeId, entry.refs)
	self.mutex.Unlock()

	entry.value.Bind()
	return entry.value
}

func (self *Registry) ReleaseCart(storeId string) bool {
	self.mutex.Lock()
	entry, ok := self.carts[storeId]
	if !ok {
		self.mutex.Unlock()
		return false
	}
	entry.refs -= 1
	last := entry.refs == 0
	if last {
		delete(self.carts, storeId)
	}
	self.mutex.Unlock()

	entry.value.Unbind()
	if last {
		entry.value.Close()
	}
	return true
}

func (self *Registry) AuthRefs(projectId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if entry, ok := self.auths[projectId]; ok {
		return entry.refs
	}
	return 0
}

func (self *Registry) CartRefs(storeId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if entry, ok := self.carts[storeId]; ok {
		return entry.refs
	}
	return 0
}

// closes every acquired instance
func (self *Registry) Close() {
	self.mutex.Lock()
	auths := self.auths
	carts := self.carts
	self.auths = map[string]*registryEntry[*Auth]{}
	self.carts = map[string]*registryEntry[*Cart]{}
	self.mutex.Unlock()

	for _, entry := range auths {
		entry.value.Close()
	}
	for _, entry := range carts {
		entry.value.Close()
	}
}
