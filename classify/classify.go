// Package classify runs the digit classifiers over a dataset.Set, on a
// gpu.Engine when one is available and on the host otherwise.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heyyod/knn-compute/dataset"
	"github.com/heyyod/knn-compute/gpu"
	"github.com/heyyod/knn-compute/internal/logger"
)

var ErrInvalidConfig = errors.New("classify: invalid configuration")

// HostDevice names the device of results computed without an engine.
const HostDevice = "cpu"

// Result summarises one classification run.
type Result struct {
	Method  string        `json:"method"`
	Device  string        `json:"device"`
	Tested  int           `json:"tested"`
	Correct int           `json:"correct"`
	Rate    float64       `json:"rate"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

func (r *Result) record(predicted, label byte) {
	r.Tested++
	if predicted == label {
		r.Correct++
	}
}

func (r *Result) finish(start time.Time) *Result {
	r.Elapsed = time.Since(start)
	if r.Tested > 0 {
		r.Rate = float64(r.Correct) / float64(r.Tested)
	}
	return r
}

// Runner classifies the test images of one set. It uploads the set to its
// engine on first use. A Runner is not safe for concurrent use.
type Runner struct {
	set      *dataset.Set
	eng      *gpu.Engine
	log      logger.Logger
	uploaded bool
}

// NewRunner returns a runner over set. A nil or uninitialized eng runs
// everything on the host.
func NewRunner(set *dataset.Set, eng *gpu.Engine, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	if eng != nil && !eng.Initialized() {
		eng = nil
	}
	return &Runner{set: set, eng: eng, log: log.WithGroup("classify")}
}

// Device is the adapter name, or HostDevice without an engine.
func (r *Runner) Device() string {
	if r.eng == nil {
		return HostDevice
	}
	return r.eng.Context().Adapter().Name
}

func (r *Runner) upload() error {
	if r.eng == nil || r.uploaded {
		return nil
	}
	if err := r.eng.UploadInputData(r.set.Train.Pixels, r.set.Test.Pixels); err != nil {
		return err
	}
	r.uploaded = true
	return nil
}

func (r *Runner) newResult(method string) *Result {
	return &Result{Method: method, Device: r.Device()}
}

// image returns image n, where test image t is n = TrainCount + t.
func (r *Runner) image(n int) []byte {
	if n < r.set.Train.Count {
		return r.set.Train.Image(n)
	}
	return r.set.Test.Image(n - r.set.Train.Count)
}

func progress(log logger.Logger, method string, done, total int) {
	if done%1000 == 0 {
		log.Debug("progress", "method", method, "done", done, "total", total)
	}
}

func checkContext(ctx context.Context, method string, done int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s stopped after %d images: %w", method, done, err)
	}
	return nil
}
