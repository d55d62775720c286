package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tedsuo/ifrit"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

// journal records lifecycle calls across resources in call order
type journal struct {
	mutex   sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeResource struct {
	Owner
	name       string
	journal    *journal
	startErr   error
	cleanupErr error
	key        string
}

func (r *fakeResource) Start(ctx context.Context) error {
	r.journal.add("start:" + r.name)
	return r.startErr
}

func (r *fakeResource) Cleanup(ctx context.Context) error {
	r.journal.add("cleanup:" + r.name)
	return r.cleanupErr
}

func (r *fakeResource) Res(key string) Resource {
	if key == r.key {
		return r
	}
	return nil
}

// MockResource is used where only call expectations matter
type MockResource struct {
	mock.Mock
}

func (m *MockResource) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockResource) Cleanup(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newResources(j *journal, n int) []*fakeResource {
	resources := make([]*fakeResource, n)
	for i := range resources {
		resources[i] = &fakeResource{name: fmt.Sprintf("r%d", i), journal: j, key: fmt.Sprintf("key%d", i)}
	}
	return resources
}

func TestSandbox_SequentialStartAndReverseCleanup(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			j := &journal{}
			s := New(Options{})
			var expected []string
			for _, r := range newResources(j, n) {
				require.NoError(t, s.Add(r))
				expected = append(expected, "start:"+r.name)
			}
			for i := n - 1; i >= 0; i-- {
				expected = append(expected, fmt.Sprintf("cleanup:r%d", i))
			}

			require.NoError(t, s.Start(context.Background()))
			require.NoError(t, s.Cleanup(context.Background()))

			assert.Equal(t, expected, j.list())
		})
	}
}

func TestSandbox_StartFailureRollsBack(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 5)
	boom := fmt.Errorf("boom")
	resources[2].startErr = boom

	s := New(Options{})
	for _, r := range resources {
		require.NoError(t, s.Add(r))
	}

	err := s.Start(context.Background())

	assert.Equal(t, boom, err)
	assert.Equal(t, []string{
		"start:r0", "start:r1", "start:r2",
		"cleanup:r1", "cleanup:r0",
	}, j.list())
}

func TestSandbox_FailedMemberIsNeverCleanedUp(t *testing.T) {
	first := &MockResource{}
	failing := &MockResource{}
	never := &MockResource{}

	first.On("Start", mock.Anything).Return(nil)
	first.On("Cleanup", mock.Anything).Return(nil).Once()
	failing.On("Start", mock.Anything).Return(fmt.Errorf("cannot start"))

	s := New(Options{})
	s.MustAdd(first, failing, never)

	require.Error(t, s.Start(context.Background()))

	first.AssertExpectations(t)
	failing.AssertNotCalled(t, "Cleanup", mock.Anything)
	never.AssertNotCalled(t, "Start", mock.Anything)
	never.AssertNotCalled(t, "Cleanup", mock.Anything)
}

func TestSandbox_CleanupIgnoresErrors(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 3)
	resources[1].cleanupErr = fmt.Errorf("cleanup failed")

	s := New(Options{})
	for _, r := range resources {
		require.NoError(t, s.Add(r))
	}
	require.NoError(t, s.Start(context.Background()))

	assert.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, []string{
		"start:r0", "start:r1", "start:r2",
		"cleanup:r2", "cleanup:r1", "cleanup:r0",
	}, j.list())
}

func TestSandbox_CleanupAtMostOnce(t *testing.T) {
	j := &journal{}
	s := New(Options{})
	for _, r := range newResources(j, 2) {
		require.NoError(t, s.Add(r))
	}
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Cleanup(context.Background()))
	require.NoError(t, s.Cleanup(context.Background()))

	assert.Equal(t, []string{"start:r0", "start:r1", "cleanup:r1", "cleanup:r0"}, j.list())
}

func TestSandbox_ConcurrentStart(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 4)
	s := New(Options{Concurrent: true})
	for _, r := range resources {
		require.NoError(t, s.Add(r))
	}

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cleanup(context.Background()))

	entries := j.list()
	require.Len(t, entries, 8)
	for _, r := range resources {
		assert.Contains(t, entries, "start:"+r.name)
		assert.Contains(t, entries, "cleanup:"+r.name)
	}
}

func TestSandbox_ConcurrentStartFailure(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 3)
	resources[0].startErr = fmt.Errorf("boom")

	s := New(Options{}).SetConcurrent(true)
	for _, r := range resources {
		require.NoError(t, s.Add(r))
	}

	require.Error(t, s.Start(context.Background()))

	entries := j.list()
	assert.NotContains(t, entries, "cleanup:r0")
	assert.Contains(t, entries, "cleanup:r1")
	assert.Contains(t, entries, "cleanup:r2")
}

func TestSandbox_Res(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 3)
	resources[2].key = "key1" // shadowed by r1

	inner := New(Options{})
	require.NoError(t, inner.Add(resources[1]))
	require.NoError(t, inner.Add(resources[2]))

	outer := New(Options{})
	require.NoError(t, outer.Add(resources[0]))
	require.NoError(t, outer.Add(&MockResource{}))
	require.NoError(t, outer.Add(inner))

	assert.Same(t, resources[0], outer.Res("key0"))
	assert.Same(t, resources[1], outer.Res("key1"))
	assert.Nil(t, outer.Res("missing"))

	assert.Same(t, outer, inner.Container())
	assert.Same(t, inner, resources[1].Container())
}

func TestSandbox_OwnershipIsExclusive(t *testing.T) {
	r := &fakeResource{name: "r", journal: &journal{}}
	first := New(Options{})
	second := New(Options{})

	require.NoError(t, first.Add(r))
	err := second.Add(r)

	assert.True(t, errors.IsConflictError(err))
	assert.Same(t, first, r.Container())
	assert.Error(t, second.Add(nil))
}

func TestSandbox_DuplicateAddIsRejected(t *testing.T) {
	j := &journal{}
	r := &fakeResource{name: "r", journal: j}
	s := New(Options{})

	require.NoError(t, s.Add(r))
	err := s.Add(r)
	assert.True(t, errors.IsConflictError(err))
	assert.Panics(t, func() { s.MustAdd(r) })

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, []string{"start:r", "cleanup:r"}, j.list())
}

func TestOwner_Lookup(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 2)

	_, err := resources[0].Lookup("key1")
	assert.True(t, errors.IsValidationError(err))

	s := New(Options{})
	s.MustAdd(resources[0], resources[1])

	found, err := resources[0].Lookup("key1")
	require.NoError(t, err)
	assert.Same(t, resources[1], found)

	_, err = resources[0].Lookup("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRunner_StartsAndCleansUpOnSignal(t *testing.T) {
	j := &journal{}
	s := New(Options{})
	for _, r := range newResources(j, 2) {
		require.NoError(t, s.Add(r))
	}

	process := ifrit.Invoke(Runner(s))
	assert.Equal(t, []string{"start:r0", "start:r1"}, j.list())

	process.Signal(os.Interrupt)
	select {
	case err := <-process.Wait():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not exit")
	}

	assert.Equal(t, []string{"start:r0", "start:r1", "cleanup:r1", "cleanup:r0"}, j.list())
}

func TestRunner_StartFailure(t *testing.T) {
	j := &journal{}
	resources := newResources(j, 2)
	resources[1].startErr = fmt.Errorf("boom")
	s := New(Options{})
	s.MustAdd(resources[0], resources[1])

	process := ifrit.Background(Runner(s))

	select {
	case err := <-process.Wait():
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("runner did not exit")
	}
	assert.Equal(t, []string{"start:r0", "start:r1", "cleanup:r0"}, j.list())
}
