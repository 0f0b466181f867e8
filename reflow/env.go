package reflow

import (
	"github.com/benbjohnson/clock"
)

// Environment is what the state machines need from the host application.
// Instances for the same entity id that share `Storage` share state; instances
// that share `Bus` see each other's broadcasts.
type Environment struct {
	// shared, long lived medium (localStorage)
	Storage Storage
	// medium scoped to the session (sessionStorage)
	SessionStorage Storage
	// nil means single tab operation
	Bus Bus
	// nil means popup flows are unavailable
	Host  Host
	Clock clock.Clock
}

func DefaultEnvironment() *Environment {
	return &Environment{
		Storage:        NewMemoryStorage(),
		SessionStorage: NewMemoryStorage(),
		Clock:          clock.New(),
	}
}

// fills unset fields with defaults. A nil environment is all defaults.
func (self *Environment) withDefaults() *Environment {
	var env Environment
	if self != nil {
		env = *self
	}
	if env.Storage == nil {
		env.Storage = NewMemoryStorage()
	}
	if env.SessionStorage == nil {
		env.SessionStorage = NewMemoryStorage()
	}
	if env.Clock == nil {
		env.Clock = clock.New()
	}
	return &env
}
