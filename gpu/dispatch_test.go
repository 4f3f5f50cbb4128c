package gpu

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupCountAndBatches(t *testing.T) {
	tests := []struct {
		name                   string
		total, perGroup, max   uint32
		wantGroups, wantBatchs uint32
	}{
		{"fits in one dispatch", 60000, 1, 65535, 60000, 1},
		{"two batches shrink to half", 60000, 1, 40000, 30000, 2},
		{"rounds group count up", 1000, 256, 65535, 4, 1},
		{"fewer items than a group", 10, 256, 65535, 10, 1},
		{"shrink then grow back", 1000, 256, 2, 2, 2},
		{"exact multiple of ceiling", 131070, 1, 65535, 65535, 2},
		{"three uneven batches", 100001, 1, 40000, 33334, 3},
		{"one item", 1, 1, 1, 1, 1},
		{"group per item at ceiling", 7, 1, 2, 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, b := GroupCountAndBatches(tt.total, tt.perGroup, tt.max)
			assert.Equal(t, tt.wantGroups, g, "groups")
			assert.Equal(t, tt.wantBatchs, b, "batches")
		})
	}
}

func TestGroupCountAndBatchesRejectsZero(t *testing.T) {
	for _, in := range [][3]uint32{{0, 1, 1}, {1, 0, 1}, {1, 1, 0}} {
		g, b := GroupCountAndBatches(in[0], in[1], in[2])
		assert.Zero(t, g)
		assert.Zero(t, b)
	}
}

func TestGroupCountAndBatchesProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		total := uint32(1 + rng.Intn(2_000_000))
		perGroup := uint32(1 + rng.Intn(512))
		maxGroups := uint32(1 + rng.Intn(70000))

		g, b := GroupCountAndBatches(total, perGroup, maxGroups)
		require.GreaterOrEqual(t, uint64(g)*uint64(b)*uint64(perGroup), uint64(total),
			"coverage total=%d per=%d max=%d", total, perGroup, maxGroups)
		require.LessOrEqual(t, g, maxGroups, "ceiling total=%d per=%d max=%d", total, perGroup, maxGroups)
		require.Positive(t, g)

		if maxGroups > 1 {
			smaller := uint32(1 + rng.Intn(int(maxGroups-1)))
			_, b2 := GroupCountAndBatches(total, perGroup, smaller)
			require.GreaterOrEqual(t, b2, b, "monotone total=%d per=%d max=%d->%d", total, perGroup, maxGroups, smaller)
		}
	}
}

func newTestContext(t *testing.T, drv *fakeDriver) (*Context, *fakeDevice) {
	t.Helper()
	ctx, err := NewContext(drv, "", nil)
	require.NoError(t, err)
	return ctx, drv.opened
}

func TestDispatchStampsEveryBatch(t *testing.T) {
	drv := newFakeDriver()
	drv.limits.MaxWorkgroupsPerDimension = 4
	ctx, dev := newTestContext(t, drv)

	k, err := dev.CompileKernel(KernelDesc{Label: "probe"})
	require.NoError(t, err)
	set, err := dev.CreateBindingSet(k, nil)
	require.NoError(t, err)
	p := &Pipeline{kind: KernelFeedForward, kernel: k, set: set}

	params := &FeedForwardParams{InValuesDim: 3}
	require.NoError(t, ctx.Dispatch(p, 10*256, 256, params))

	require.Len(t, dev.dispatches, 3)
	assert.Equal(t, 3, dev.submissions)
	assert.Equal(t, 3, dev.waits)
	for i, d := range dev.dispatches {
		assert.Equal(t, uint32(4), d.groups)
		assert.Equal(t, uint32(i), word(d.params, 8), "batch")
		assert.Equal(t, uint32(3), word(d.params, 9), "batches")
		assert.Equal(t, uint32(3), word(d.params, 1), "in dim")
	}
	assert.False(t, ctx.Commands().Recording())
	assert.Empty(t, ctx.Commands().Commands())
}

func TestDispatchStopsOnSubmissionFailure(t *testing.T) {
	drv := newFakeDriver()
	drv.limits.MaxWorkgroupsPerDimension = 1
	ctx, dev := newTestContext(t, drv)
	dev.submitErr = errors.New("device lost")
	dev.failAfter = 1

	k, _ := dev.CompileKernel(KernelDesc{Label: "probe"})
	set, _ := dev.CreateBindingSet(k, nil)
	p := &Pipeline{kind: KernelDistance, kernel: k, set: set}

	err := ctx.Dispatch(p, 5, 1, &DistanceParams{})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Contains(t, err.Error(), "batch 2/5")
	assert.Equal(t, 1, dev.submissions)
	assert.False(t, ctx.Commands().Recording())
}

func TestDispatchRejectsEmptyWork(t *testing.T) {
	ctx, dev := newTestContext(t, newFakeDriver())
	k, _ := dev.CompileKernel(KernelDesc{Label: "probe"})
	set, _ := dev.CreateBindingSet(k, nil)

	err := ctx.Dispatch(&Pipeline{kernel: k, set: set}, 0, 256, &FeedForwardParams{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, ctx.Dispatch(nil, 1, 1, &DistanceParams{}), ErrInvalidArgument)
	assert.Zero(t, dev.submissions)
}
