// Package detector probes the WebGPU adapters of the host and reports what
// the compute engine would do with each of them.
package detector

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/openfluke/webgpu/wgpu"

	"github.com/heyyod/knn-compute/gpu"
)

// Report is a portable summary of every adapter on the host.
type Report struct {
	WhenISO  string            `json:"when_iso"`
	Runtime  string            `json:"runtime"`
	Adapters []Adapter         `json:"adapters"`
	Selected int               `json:"selected"` // index the engine opens, -1 when none can compute
	Env      map[string]string `json:"env,omitempty"`
}

type Adapter struct {
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Vendor      string          `json:"vendor"`
	Backend     string          `json:"backend"`
	AdapterType string          `json:"adapter_type"`
	VendorID    string          `json:"vendor_id_hex"`
	DeviceID    string          `json:"device_id_hex"`
	Driver      string          `json:"driver"`
	Compute     bool            `json:"compute"`
	Limits      Limits          `json:"limits"`
	Features    []string        `json:"features"`
	Recommended Recommendations `json:"recommended"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxComputeWorkgroupStorageSize    uint32 `json:"max_compute_workgroup_storage_size"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Recommendations describe how a full MNIST run would be dispatched.
type Recommendations struct {
	// Largest 1D workgroup the adapter runs.
	WorkgroupX uint32 `json:"workgroup_x"`

	// Distance pass over the training set: one workgroup per image.
	DistanceGroups  uint32 `json:"distance_groups"`
	DistanceBatches uint32 `json:"distance_batches"`

	// Soft budget in bytes for the input and distance buffers.
	BudgetBytes uint64 `json:"budget_bytes"`
	// FitsBudget reports whether the MNIST input fits BudgetBytes and the
	// adapter's buffer limits.
	FitsBudget bool `json:"fits_budget"`
}

const (
	// BudgetEnv overrides the soft budget, in MiB.
	BudgetEnv = "KNNC_BUDGET_MB"
	// AdapterEnv names the preferred adapter, as gpu.Options.Adapter does.
	AdapterEnv = "KNNC_ADAPTER"

	mnistTrain  = 60000
	mnistTest   = 10000
	mnistPixels = 28 * 28
)

// DetectJSON runs a probe and returns the indented JSON report.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect enumerates the host's adapters. A missing native library or an
// instance failure wraps gpu.ErrDeviceUnavailable.
func Detect() (rep *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			rep, err = nil, fmt.Errorf("%w: webgpu: %v", gpu.ErrDeviceUnavailable, r)
		}
	}()
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: wgpu.CreateInstance returned nil", gpu.ErrDeviceUnavailable)
	}
	defer inst.Release()

	var probes []Adapter
	for i, a := range inst.EnumerateAdapters(nil) {
		probes = append(probes, probe(i, a))
		a.Release()
	}
	return newReport(probes, os.Getenv(AdapterEnv), budget()), nil
}

func probe(index int, a *wgpu.Adapter) Adapter {
	info := a.GetInfo()
	l := a.GetLimits().Limits

	var feats []string
	for _, f := range a.EnumerateFeatures() {
		feats = append(feats, f.String())
	}
	return Adapter{
		Index:       index,
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Compute:     l.MaxComputeWorkgroupsPerDimension > 0,
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
			MaxComputeWorkgroupStorageSize:    l.MaxComputeWorkgroupStorageSize,
			MaxStorageBufferBindingSize:       l.MaxStorageBufferBindingSize,
			MaxBufferSize:                     l.MaxBufferSize,
		},
		Features: feats,
	}
}

// newReport fills in recommendations and the adapter the engine would pick.
func newReport(adapters []Adapter, preferred string, budget uint64) *Report {
	rep := &Report{
		WhenISO:  time.Now().UTC().Format(time.RFC3339),
		Runtime:  detectRuntime(),
		Adapters: adapters,
		Selected: -1,
		Env:      pickEnv([]string{AdapterEnv, BudgetEnv}),
	}
	infos := make([]gpu.AdapterInfo, len(adapters))
	for i := range rep.Adapters {
		a := &rep.Adapters[i]
		a.Recommended = recommend(a.Limits, budget)
		infos[i] = gpu.AdapterInfo{Index: a.Index, Name: a.Name, Vendor: a.Vendor, Compute: a.Compute}
	}
	if chosen, ok := gpu.PickAdapter(infos, preferred); ok {
		rep.Selected = chosen.Index
	}
	return rep
}

func recommend(l Limits, budget uint64) Recommendations {
	r := Recommendations{
		WorkgroupX:  chooseWorkgroup(l.MaxComputeWorkgroupSizeX, l.MaxComputeInvocationsPerWorkgroup),
		BudgetBytes: budget,
	}
	r.DistanceGroups, r.DistanceBatches = gpu.GroupCountAndBatches(mnistTrain, 1, l.MaxComputeWorkgroupsPerDimension)

	input := uint64((mnistTrain + mnistTest) * mnistPixels)
	perPixel := uint64(mnistTrain*mnistPixels) * 4
	need := input + perPixel + mnistTrain*4
	r.FitsBudget = need <= budget && perPixel <= l.MaxBufferSize && perPixel <= l.MaxStorageBufferBindingSize
	return r
}

func chooseWorkgroup(maxX, maxTotal uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

func budget() uint64 {
	b := uint64(512 << 20)
	if mb, err := strconv.Atoi(os.Getenv(BudgetEnv)); err == nil && mb > 0 {
		b = uint64(mb) << 20
	}
	return b
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
