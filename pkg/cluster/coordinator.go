// Package cluster adds convergence polling on top of a service group:
// it syncs every node's role, tracks the master and checks that the
// cluster has exactly one.
package cluster

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-tubes/pkg/cloudservice"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/journal"
	"github.com/core-tools/hsu-tubes/pkg/pollloop"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

// Client queries one node.
type Client interface {
	cloudservice.Client
	Sync(ctx context.Context) (*NodeState, error)
	Query(ctx context.Context, query map[string]interface{}) (map[string]interface{}, error)
}

// SyncPredicate decides whether one node's query result has converged.
type SyncPredicate func(data map[string]interface{}, client Client, index int) bool

type Coordinator struct {
	*cloudservice.Group[Client]

	mutex    sync.RWMutex
	snapshot Snapshot
}

func NewCoordinator(defaults cloudservice.Defaults[Client], options cloudservice.Options) *Coordinator {
	return &Coordinator{Group: cloudservice.New(defaults, options)}
}

// Res answers the group keys with the coordinator itself.
func (c *Coordinator) Res(key string) sandbox.Resource {
	if c.Group.Res(key) != nil {
		return c
	}
	return nil
}

// Snapshot returns the result of the last successful Sync.
func (c *Coordinator) Snapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append(Snapshot(nil), c.snapshot...)
}

// MasterIndex is derived from the last successful Sync.
func (c *Coordinator) MasterIndex() (int, bool) {
	return c.Snapshot().MasterIndex()
}

// Master returns the client of the current master.
func (c *Coordinator) Master() (Client, bool) {
	index, ok := c.MasterIndex()
	if !ok {
		return nil, false
	}
	return c.Client(index)
}

func (c *Coordinator) setSnapshot(snapshot Snapshot) {
	c.mutex.Lock()
	changed := !reflect.DeepEqual(c.snapshot.States(), snapshot.States())
	c.snapshot = snapshot
	c.mutex.Unlock()

	c.Logger().Debugf("STATES: %v", snapshot.States())
	if changed {
		master, _ := snapshot.MasterIndex()
		c.Journal().Record(c.Name(), journal.NoInstance, "snapshot", map[string]interface{}{
			"states": snapshot.States(),
			"master": master,
		})
	}
}

// Sync queries every non-excluded node in parallel. Only a fully
// successful round replaces the snapshot.
func (c *Coordinator) Sync(ctx context.Context) (Snapshot, error) {
	if err := c.PrepareClients(); err != nil {
		return nil, err
	}

	clients := c.Clients()
	snapshot := make(Snapshot, len(clients))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, client := range clients {
		if c.Excluded(i) {
			continue
		}
		i, client := i, client
		eg.Go(func() error {
			state, err := client.Sync(egCtx)
			if err != nil {
				c.Logger().Errorf("[%d] sync failed: %v", i, err)
				return err
			}
			snapshot[i] = state
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	c.setSnapshot(snapshot)
	return snapshot, nil
}

func (c *Coordinator) syncUntil(ctx context.Context, done func(Snapshot) bool) (Snapshot, error) {
	if err := c.ClientsReady(ctx); err != nil {
		return nil, err
	}
	var last Snapshot
	err := pollloop.Until(ctx, func(ctx context.Context) (bool, error) {
		snapshot, err := c.Sync(ctx)
		if err != nil {
			return false, err
		}
		last = snapshot
		return done(snapshot), nil
	}, c.PollOptions(0))
	return last, err
}

// Ready waits until every non-excluded node is master or member.
func (c *Coordinator) Ready(ctx context.Context) (Snapshot, error) {
	c.Trace().Debugf("ready...")
	return c.syncUntil(ctx, Snapshot.Stable)
}

// EnsureReady waits for Ready and then checks, once, that there is exactly
// one master and every non-excluded instance is accounted for.
func (c *Coordinator) EnsureReady(ctx context.Context) (Snapshot, error) {
	snapshot, err := c.Ready(ctx)
	if err != nil {
		return snapshot, err
	}
	c.Trace().Debugf("ensureReady...")
	if err := c.CheckSnapshot(snapshot); err != nil {
		c.Trace().Errorf("%v", err)
		c.Journal().Record(c.Name(), journal.NoInstance, "convergence-failed", map[string]interface{}{
			"states": snapshot.States(),
		})
		return snapshot, err
	}
	return snapshot, nil
}

// CheckSnapshot applies the single-master assertion to snapshot.
func (c *Coordinator) CheckSnapshot(snapshot Snapshot) error {
	return checkSnapshot(snapshot, c.Instances(), len(c.Excludes()))
}

func checkSnapshot(snapshot Snapshot, instances, excludes int) error {
	masters, members := snapshot.Counts()
	if masters == 1 && masters+members == instances-excludes {
		return nil
	}
	return errors.NewConvergenceError(
		fmt.Sprintf("Bad cluster state: masters=%d, members=%d, excludes=%d", masters, members, excludes), nil).
		WithContext("masters", masters).
		WithContext("members", members).
		WithContext("excludes", excludes)
}

// UntilUnstable waits until some non-excluded node leaves its role.
func (c *Coordinator) UntilUnstable(ctx context.Context) (Snapshot, error) {
	c.Trace().Debugf("untilUnstable...")
	return c.syncUntil(ctx, func(snapshot Snapshot) bool {
		return !snapshot.Stable()
	})
}

// ShutdownMaster shuts down the master known from the last Sync.
func (c *Coordinator) ShutdownMaster(ctx context.Context) error {
	c.Trace().Debugf("shutdownMaster...")
	index, ok := c.MasterIndex()
	if !ok {
		return errors.NewValidationError("no master known", nil).WithContext("service", c.Name())
	}
	return c.Shutdown(ctx, index)
}

// WaitForSync polls query on every non-excluded node until pred holds for
// all of them. Query errors end the wait.
func (c *Coordinator) WaitForSync(ctx context.Context, query map[string]interface{}, pred SyncPredicate) error {
	c.Trace().Debugf("waitForSync: %v", query)
	if err := c.PrepareClients(); err != nil {
		return err
	}
	return pollloop.Until(ctx, func(ctx context.Context) (bool, error) {
		for i, client := range c.Clients() {
			if c.Excluded(i) {
				continue
			}
			data, err := client.Query(ctx, query)
			if err != nil {
				return false, err
			}
			result := pred(data, client, i)
			c.Logger().Debugf("QUERY[%d] => %v: %v", i, data, result)
			if !result {
				return false, nil
			}
		}
		return true, nil
	}, c.PollOptions(0))
}
