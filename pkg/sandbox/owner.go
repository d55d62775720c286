package sandbox

import (
	"sync"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

// Owner is embedded by resources to record the sandbox they were added to.
// Ownership is assigned once and cannot be moved to another sandbox.
type Owner struct {
	container *Sandbox
	mutex     sync.RWMutex
}

func (o *Owner) SetContainer(container *Sandbox) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.container != nil && o.container != container {
		return errors.NewConflictError("resource is already owned by another sandbox", nil)
	}
	o.container = container
	return nil
}

// Container returns the owning sandbox, or nil before the resource was added.
func (o *Owner) Container() *Sandbox {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.container
}

// Lookup resolves key through the owning sandbox.
func (o *Owner) Lookup(key string) (Resource, error) {
	container := o.Container()
	if container == nil {
		return nil, errors.NewValidationError("resource is not added to a sandbox", nil).WithContext("key", key)
	}
	resource := container.Res(key)
	if resource == nil {
		return nil, errors.NewNotFoundError("resource not found", nil).WithContext("key", key)
	}
	return resource, nil
}
