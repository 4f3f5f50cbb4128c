package gpu

import (
	"fmt"
	"strings"

	"github.com/heyyod/knn-compute/internal/logger"
)

// Context is an opened compute device: the logical device with its single
// queue, the chosen adapter, its limits and memory-kind table, and the one
// reusable command buffer.
type Context struct {
	driver  Driver
	device  Device
	adapter AdapterInfo
	limits  Limits
	kinds   []MemoryKind
	cmd     *CommandBuffer
	log     logger.Logger
}

// NewContext picks a compute-capable adapter from d and opens it. An adapter
// whose name or vendor contains preferred wins; otherwise an NVIDIA adapter
// is picked if present, then the first compute adapter. On failure d is
// released and the error wraps ErrDeviceUnavailable.
func NewContext(d Driver, preferred string, log logger.Logger) (c *Context, err error) {
	if log == nil {
		log = logger.Discard()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: driver panic: %v", ErrDeviceUnavailable, r)
		}
		if err != nil {
			d.Release()
			c = nil
		}
	}()

	adapters, err := d.Adapters()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate adapters: %v", ErrDeviceUnavailable, err)
	}
	for _, a := range adapters {
		log.Debug("adapter found", "index", a.Index, "name", a.Name, "vendor", a.Vendor, "backend", a.Backend, "compute", a.Compute)
	}
	chosen, ok := PickAdapter(adapters, preferred)
	if !ok {
		return nil, fmt.Errorf("%w: %d adapters, none with compute support", ErrDeviceUnavailable, len(adapters))
	}

	dev, err := d.Open(chosen.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, chosen.Name, err)
	}

	c = &Context{
		driver:  d,
		device:  dev,
		adapter: chosen,
		limits:  dev.Limits(),
		kinds:   dev.MemoryKinds(),
		cmd:     &CommandBuffer{},
		log:     log,
	}
	if c.limits.MaxWorkgroupsPerDimension == 0 {
		dev.Release()
		return nil, fmt.Errorf("%w: %s reports no compute workgroups", ErrDeviceUnavailable, chosen.Name)
	}
	log.Info("compute device opened",
		"adapter", chosen.Name,
		"backend", chosen.Backend,
		"max_workgroups", c.limits.MaxWorkgroupsPerDimension,
		"max_buffer", c.limits.MaxBufferSize,
		"memory_kinds", len(c.kinds))
	return c, nil
}

// PickAdapter chooses among the compute-capable adapters the way NewContext
// does. It reports false when none can compute.
func PickAdapter(adapters []AdapterInfo, preferred string) (AdapterInfo, bool) {
	var compute []AdapterInfo
	for _, a := range adapters {
		if a.Compute {
			compute = append(compute, a)
		}
	}
	if len(compute) == 0 {
		return AdapterInfo{}, false
	}
	match := func(a AdapterInfo, s string) bool {
		s = strings.ToLower(s)
		return strings.Contains(strings.ToLower(a.Name), s) || strings.Contains(strings.ToLower(a.Vendor), s)
	}
	if preferred != "" {
		for _, a := range compute {
			if match(a, preferred) {
				return a, true
			}
		}
	}
	for _, a := range compute {
		if match(a, "nvidia") {
			return a, true
		}
	}
	return compute[0], true
}

func (c *Context) Adapter() AdapterInfo { return c.adapter }

func (c *Context) Limits() Limits { return c.limits }

func (c *Context) MemoryKinds() []MemoryKind { return c.kinds }

// Commands returns the reusable command buffer.
func (c *Context) Commands() *CommandBuffer { return c.cmd }

// Release waits for the queue, then drops the device and the driver.
func (c *Context) Release() {
	if c == nil || c.device == nil {
		return
	}
	if err := c.device.WaitIdle(); err != nil {
		c.log.Warn("wait idle before release", "err", err)
	}
	c.cmd.Reset()
	c.device.Release()
	c.device = nil
	c.driver.Release()
	c.driver = nil
}
