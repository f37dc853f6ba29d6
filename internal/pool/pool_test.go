package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxenergy/channelcore/pkg/workerpool"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// poolEvents records listener callbacks for assertions
type poolEvents struct {
	mu       sync.Mutex
	expanded []int
	shrunk   []int
	failed   []int
	alerts   []float64
}

func (e *poolEvents) OnPoolExpanded(poolType Type, newSize int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expanded = append(e.expanded, newSize)
}

func (e *poolEvents) OnPoolShrunk(poolType Type, newSize int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shrunk = append(e.shrunk, newSize)
}

func (e *poolEvents) OnAllocationFailed(poolType Type, channel int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, channel)
}

func (e *poolEvents) OnUtilizationAlert(poolType Type, utilization float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, utilization)
}

func TestCreatePoolSeedsInitialSize(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize: 3,
		MaxSize:     8,
		BufferSize:  1024,
	}))

	instances, ok := m.GetInstances(TypeMemoryBuffer)
	require.True(t, ok)
	assert.Len(t, instances, 3)
	for _, inst := range instances {
		assert.False(t, inst.InUse)
		assert.Equal(t, -1, inst.Channel)
	}
}

func TestCreatePoolDuplicate(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeDecoder, Config{InitialSize: 1, MaxSize: 2}))
	err := m.CreatePool(TypeDecoder, Config{InitialSize: 1, MaxSize: 2})
	assert.ErrorIs(t, err, ErrPoolExists)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize: 1,
		MaxSize:     1,
		BufferSize:  256,
	}))

	res := m.Allocate(TypeMemoryBuffer, 2, 0)
	require.NotNil(t, res)
	assert.Equal(t, TypeMemoryBuffer, res.Kind)
	assert.Len(t, res.Buffer, 256)

	instances, _ := m.GetInstances(TypeMemoryBuffer)
	assert.True(t, instances[0].InUse)
	assert.Equal(t, 2, instances[0].Channel)

	assert.True(t, m.Release(TypeMemoryBuffer, res, 2))

	instances, _ = m.GetInstances(TypeMemoryBuffer)
	assert.False(t, instances[0].InUse)
	assert.Equal(t, -1, instances[0].Channel)

	// Releasing an already idle handle fails
	assert.False(t, m.Release(TypeMemoryBuffer, res, 2))
}

func TestTaggedUnionVariants(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())

	require.NoError(t, m.CreatePool(TypeDecoder, Config{InitialSize: 1, MaxSize: 1, Codec: "h265"}))
	require.NoError(t, m.CreatePool(TypeFrameBuffer, Config{InitialSize: 1, MaxSize: 1, FrameWidth: 640, FrameHeight: 480}))

	dec := m.Allocate(TypeDecoder, 0, 0)
	require.NotNil(t, dec)
	assert.Equal(t, TypeDecoder, dec.Kind)
	require.NotNil(t, dec.Decoder)
	assert.Equal(t, "h265", dec.Decoder.Codec)
	assert.Nil(t, dec.Buffer)
	assert.Nil(t, dec.Frame)

	frame := m.Allocate(TypeFrameBuffer, 0, 0)
	require.NotNil(t, frame)
	require.NotNil(t, frame.Frame)
	assert.Equal(t, 640, frame.Frame.Width)
	assert.Len(t, frame.Frame.Data, 640*480*3/2)
}

func TestSynchronousExpansion(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize:   1,
		MaxSize:       2,
		DynamicResize: true,
		BufferSize:    64,
	}))

	first := m.Allocate(TypeMemoryBuffer, 0, 0)
	require.NotNil(t, first)

	// Pool is exhausted but under max: the allocation itself expands it
	second := m.Allocate(TypeMemoryBuffer, 1, 0)
	require.NotNil(t, second)

	instances, _ := m.GetInstances(TypeMemoryBuffer)
	assert.Len(t, instances, 2)
}

func TestAllocationFailsAtMax(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	events := &poolEvents{}
	m.SetListener(events)

	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize:   1,
		MaxSize:       1,
		DynamicResize: true,
		BufferSize:    64,
	}))

	require.NotNil(t, m.Allocate(TypeMemoryBuffer, 0, 0))
	assert.Nil(t, m.Allocate(TypeMemoryBuffer, 1, 0))

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []int{1}, events.failed)
}

func TestLeastLoadedSelection(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize: 2,
		MaxSize:     2,
		Strategy:    StrategyLeastLoaded,
		BufferSize:  64,
	}))

	// Drive usage onto one instance, then release it
	res := m.Allocate(TypeMemoryBuffer, 0, 0)
	require.NotNil(t, res)
	require.True(t, m.Release(TypeMemoryBuffer, res, 0))

	// The next allocation must pick the never-used instance
	res2 := m.Allocate(TypeMemoryBuffer, 0, 0)
	require.NotNil(t, res2)

	instances, _ := m.GetInstances(TypeMemoryBuffer)
	var counts []int64
	for _, inst := range instances {
		counts = append(counts, inst.UsageCount)
	}
	assert.ElementsMatch(t, []int64{1, 1}, counts, "usage spread across instances")
}

func TestChannelAffinity(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeDecoder, Config{
		InitialSize: 2,
		MaxSize:     2,
		Strategy:    StrategyAffinity,
	}))

	instances, _ := m.GetInstances(TypeDecoder)
	bound := instances[1].ID
	require.True(t, m.SetChannelAffinity(TypeDecoder, 7, bound))
	assert.False(t, m.SetChannelAffinity(TypeDecoder, 7, 9999), "unknown instance rejected")

	res := m.Allocate(TypeDecoder, 7, 0)
	require.NotNil(t, res)

	instances, _ = m.GetInstances(TypeDecoder)
	for _, inst := range instances {
		if inst.ID == bound {
			assert.True(t, inst.InUse, "affinity-bound instance served the channel")
			assert.Equal(t, 7, inst.Channel)
		}
	}
}

func TestAffinityFallsBackWhenBusy(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeDecoder, Config{
		InitialSize: 2,
		MaxSize:     2,
		Strategy:    StrategyAffinity,
	}))

	instances, _ := m.GetInstances(TypeDecoder)
	bound := instances[0].ID
	require.True(t, m.SetChannelAffinity(TypeDecoder, 3, bound))

	// Another channel takes the bound instance first
	require.NotNil(t, m.Allocate(TypeDecoder, 1, 0))
	instances, _ = m.GetInstances(TypeDecoder)
	require.True(t, instances[0].InUse)

	// The bound channel still gets an instance, just not its bound one
	require.NotNil(t, m.Allocate(TypeDecoder, 3, 0))
	instances, _ = m.GetInstances(TypeDecoder)
	assert.Equal(t, 3, instances[1].Channel)
}

func TestResizePoolExpandsAndShrinks(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	events := &poolEvents{}
	m.SetListener(events)

	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize:          2,
		MinSize:              1,
		MaxSize:              4,
		DynamicResize:        true,
		UtilizationThreshold: 0.5,
		ShrinkThreshold:      0.3,
		ExpandIncrement:      1,
		BufferSize:           64,
	}))

	// Full utilization: the resize pass must grow the pool
	a := m.Allocate(TypeMemoryBuffer, 0, 0)
	b := m.Allocate(TypeMemoryBuffer, 1, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)

	m.resizePool(TypeMemoryBuffer)
	instances, _ := m.GetInstances(TypeMemoryBuffer)
	assert.Len(t, instances, 3)

	// Idle pool above min: the resize pass must shrink it
	require.True(t, m.Release(TypeMemoryBuffer, a, 0))
	require.True(t, m.Release(TypeMemoryBuffer, b, 1))

	m.resizePool(TypeMemoryBuffer)
	instances, _ = m.GetInstances(TypeMemoryBuffer)
	assert.Len(t, instances, 2)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.NotEmpty(t, events.expanded)
	assert.NotEmpty(t, events.shrunk)
}

func TestStatisticsUpdate(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeMemoryBuffer, Config{
		InitialSize: 2,
		MaxSize:     2,
		BufferSize:  64,
	}))

	res := m.Allocate(TypeMemoryBuffer, 0, 0)
	require.NotNil(t, res)

	m.updateStatistics(TypeMemoryBuffer)

	stats, ok := m.GetStatistics(TypeMemoryBuffer)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 1, stats.Busy)
	assert.InDelta(t, 0.5, stats.Utilization, 0.001)
	assert.Equal(t, int64(1), stats.TotalAllocations)
}

func TestThreadPoolVariantStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(ManagerConfig{}, testLogger())
	require.NoError(t, m.CreatePool(TypeThreadPool, Config{
		InitialSize: 1,
		MaxSize:     1,
		Workers:     2,
	}))
	require.NoError(t, m.Start())

	res := m.Allocate(TypeThreadPool, 0, 0)
	require.NotNil(t, res)
	require.NotNil(t, res.ThreadPool)

	done := make(chan struct{})
	require.NoError(t, res.ThreadPool.Submit(workerpool.Task{
		ID:      "warmup",
		Channel: 0,
		Execute: func(ctx context.Context) error {
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pooled worker never ran the task")
	}

	require.NoError(t, m.Stop())
}

func TestUnknownPoolOperations(t *testing.T) {
	m := NewManager(ManagerConfig{}, testLogger())

	assert.Nil(t, m.Allocate(TypeFrameBuffer, 0, 0))
	assert.False(t, m.Release(TypeFrameBuffer, &Resource{}, 0))
	_, ok := m.GetStatistics(TypeFrameBuffer)
	assert.False(t, ok)
}
