package reflow

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegistryAuthRefs(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv()
	env.Bus = NewLocalBus()
	registry := NewRegistryWithDefaults(context.Background(), server.api(), env)
	defer registry.Close()

	a := registry.AcquireAuth("p1")
	b := registry.AcquireAuth("p1")
	// one instance per project
	assert.Equal(t, a == b, true)
	assert.Equal(t, registry.AuthRefs("p1"), 2)
	assert.Equal(t, a.BindCount(), 2)

	other := registry.AcquireAuth("p2")
	assert.Equal(t, other == a, false)

	assert.Equal(t, registry.ReleaseAuth("p1"), true)
	assert.Equal(t, registry.AuthRefs("p1"), 1)
	assert.Equal(t, a.BindCount(), 1)

	assert.Equal(t, registry.ReleaseAuth("p1"), true)
	assert.Equal(t, registry.AuthRefs("p1"), 0)
	assert.Equal(t, a.BindCount(), 0)

	// released past zero
	assert.Equal(t, registry.ReleaseAuth("p1"), false)
	assert.Equal(t, registry.ReleaseAuth("unknown"), false)

	// the next acquire is a new instance
	c := registry.AcquireAuth("p1")
	assert.Equal(t, c == a, false)
	assert.Equal(t, c.BindCount(), 1)
}

func TestRegistryCartRefs(t *testing.T) {
	server := newTestServer(t)
	registry := NewRegistryWithDefaults(context.Background(), server.api(), newTestEnv())

	a := registry.AcquireCart("s1")
	b := registry.AcquireCart("s1")
	assert.Equal(t, a == b, true)
	assert.Equal(t, registry.CartRefs("s1"), 2)
	assert.Equal(t, a.BindCount(), 2)

	assert.Equal(t, registry.ReleaseCart("s1"), true)
	assert.Equal(t, registry.ReleaseCart("s1"), true)
	assert.Equal(t, registry.CartRefs("s1"), 0)
	assert.Equal(t, registry.ReleaseCart("s1"), false)

	c := registry.AcquireCart("s1")
	assert.Equal(t, c == a, false)

	registry.Close()
	assert.Equal(t, c.BindCount(), 0)
	assert.Equal(t, registry.CartRefs("s1"), 0)
}

// instances acquired from one registry share state through storage
func TestRegistrySharedStorage(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv()
	registry := NewRegistryWithDefaults(context.Background(), server.api(), env)
	defer registry.Close()

	auth := registry.AcquireAuth("p1")
	assert.Equal(t, auth.IsSignedIn(), false)
	seedAuth(t, env.Storage, "p1", &authRecord{Key: "k1"})
	assert.Equal(t, registry.AcquireAuth("p1").IsSignedIn(), true)
}

// a nil environment is memory storage, no bus, no host
func TestNilEnvironment(t *testing.T) {
	server := newTestServer(t)
	registry := NewRegistryWithDefaults(context.Background(), server.api(), nil)
	defer registry.Close()

	auth := registry.AcquireAuth("p1")
	assert.Equal(t, auth.IsSignedIn(), false)
	cart := registry.AcquireCart("s1")
	assert.Equal(t, cart.HasKey(), false)

	direct := NewAuthWithDefaults(context.Background(), "p2", server.api(), nil)
	defer direct.Close()
	direct.Bind()
	assert.Equal(t, direct.BindCount(), 1)
}
