// Package sandbox provides a container for every resource of a test run that
// must be released again. Members are started in registration order and
// cleaned up in the exact reverse of the order in which they started.
// Sandboxes nest, since a Sandbox is itself a Resource.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

// Resource is anything with a start/cleanup lifecycle.
type Resource interface {
	Start(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Resolver is implemented by resources that can be looked up by key.
// Res returns nil when the key is not served.
type Resolver interface {
	Res(key string) Resource
}

// Member is implemented by resources that want a back-reference to the
// sandbox owning them. Embedding Owner is the usual way to satisfy it.
type Member interface {
	SetContainer(container *Sandbox) error
}

type Options struct {
	// Concurrent starts and cleans up all members at once instead of one
	// after another.
	Concurrent bool
	Logger     logging.Logger
}

type Sandbox struct {
	Owner

	concurrent bool
	logger     logging.Logger
	resources  []Resource
	started    []Resource
	mutex      sync.Mutex
}

func New(options Options) *Sandbox {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Sandbox{
		concurrent: options.Concurrent,
		logger:     logger,
	}
}

// SetConcurrent switches between concurrent and sequential start/cleanup.
func (s *Sandbox) SetConcurrent(concurrent bool) *Sandbox {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.concurrent = concurrent
	return s
}

// Add registers resource and stamps it with a back-reference to s.
func (s *Sandbox) Add(resource Resource) error {
	if resource == nil {
		return errors.NewValidationError("resource cannot be nil", nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if reflect.TypeOf(resource).Comparable() {
		for _, existing := range s.resources {
			if existing == resource {
				return errors.NewConflictError("resource is already added to this sandbox", nil).
					WithContext("resource", describe(resource))
			}
		}
	}
	if member, ok := resource.(Member); ok {
		if err := member.SetContainer(s); err != nil {
			return err
		}
	}
	s.resources = append(s.resources, resource)
	return nil
}

// MustAdd is Add for wiring code where a failure is a programming error.
func (s *Sandbox) MustAdd(resources ...Resource) *Sandbox {
	for _, resource := range resources {
		if err := s.Add(resource); err != nil {
			panic(err)
		}
	}
	return s
}

// Start brings up all members. If one of them fails, no further members
// are started, the ones already started are cleaned up, and the original
// error is returned.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mutex.Lock()
	resources := append([]Resource(nil), s.resources...)
	concurrent := s.concurrent
	s.started = nil
	s.mutex.Unlock()

	var err error
	if concurrent {
		err = s.startConcurrently(ctx, resources)
	} else {
		err = s.startSequentially(ctx, resources)
	}

	if err != nil {
		s.logger.Errorf("Sandbox start failed, rolling back: %v", err)
		s.Cleanup(ctx)
		return err
	}
	return nil
}

func (s *Sandbox) startSequentially(ctx context.Context, resources []Resource) error {
	for _, resource := range resources {
		if err := resource.Start(ctx); err != nil {
			return err
		}
		s.markStarted(resource)
	}
	return nil
}

func (s *Sandbox) startConcurrently(ctx context.Context, resources []Resource) error {
	var group errgroup.Group
	for _, resource := range resources {
		resource := resource
		group.Go(func() error {
			if err := resource.Start(ctx); err != nil {
				return err
			}
			s.markStarted(resource)
			return nil
		})
	}
	return group.Wait()
}

func (s *Sandbox) markStarted(resource Resource) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.started = append(s.started, resource)
}

// Cleanup releases every started member in reverse start order. It is
// best-effort: member errors are logged and swallowed, and it always
// returns nil.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	s.mutex.Lock()
	started := s.started
	s.started = nil
	concurrent := s.concurrent
	s.mutex.Unlock()

	reversed := make([]Resource, 0, len(started))
	for i := len(started) - 1; i >= 0; i-- {
		reversed = append(reversed, started[i])
	}

	if concurrent {
		var group errgroup.Group
		for _, resource := range reversed {
			resource := resource
			group.Go(func() error {
				s.cleanupOne(ctx, resource)
				return nil
			})
		}
		group.Wait()
		return nil
	}

	for _, resource := range reversed {
		s.cleanupOne(ctx, resource)
	}
	return nil
}

func (s *Sandbox) cleanupOne(ctx context.Context, resource Resource) {
	if err := resource.Cleanup(ctx); err != nil {
		s.logger.Warnf("Ignoring cleanup error of %s: %v", describe(resource), err)
	}
}

// Res returns the first non-nil result of Res(key) over the members, in
// registration order. Nested sandboxes are searched depth-first.
func (s *Sandbox) Res(key string) Resource {
	s.mutex.Lock()
	resources := append([]Resource(nil), s.resources...)
	s.mutex.Unlock()

	for _, resource := range resources {
		if resolver, ok := resource.(Resolver); ok {
			if result := resolver.Res(key); result != nil {
				return result
			}
		}
	}
	return nil
}

func describe(resource Resource) string {
	if stringer, ok := resource.(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%T", resource)
}
