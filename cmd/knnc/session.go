package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/heyyod/knn-compute/classify"
	"github.com/heyyod/knn-compute/dataset"
	"github.com/heyyod/knn-compute/detector"
	"github.com/heyyod/knn-compute/gpu"
	"github.com/heyyod/knn-compute/internal/logger"
)

// session is everything one classification command needs: the loaded set,
// the engine (nil on the host path) and a logger tagged with the run id.
type session struct {
	runID   string
	command string
	started time.Time
	log     logger.Logger
	set     *dataset.Set
	eng     *gpu.Engine
}

func openSession(cmd *cli.Command, cfg Config) (*session, error) {
	applyGlobalConfig(cmd, cfg)
	s := &session{
		runID:   uuid.NewString(),
		command: cmd.Name,
		started: time.Now(),
	}
	s.log = logger.Format(os.Stderr, logFormat, logger.ParseLevel(logLevel)).
		With("run", s.runID, "command", s.command)

	set, err := dataset.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dataDir, err)
	}
	s.set = set
	s.log.Info("dataset loaded", "dir", dataDir,
		"train", set.Train.Count, "test", set.Test.Count,
		"rows", set.Train.Rows, "cols", set.Train.Cols)

	if s.eng, err = openEngine(s.log, set.PixelsPerImage()); err != nil {
		return nil, err
	}
	return s, nil
}

// openEngine returns nil when --cpu is set or no device can compute.
func openEngine(log logger.Logger, pixels int) (*gpu.Engine, error) {
	if useCPU {
		log.Info("engine disabled, classifying on the host")
		return nil, nil
	}
	var drv gpu.Driver
	switch driverName {
	case "", "webgpu":
	case "host":
		drv = gpu.NewHostDriver()
	default:
		return nil, fmt.Errorf("unknown driver %q (want webgpu or host)", driverName)
	}
	preferred := adapter
	if preferred == "" {
		preferred = os.Getenv(detector.AdapterEnv)
	}
	eng := gpu.New(gpu.Options{
		Driver:         drv,
		Adapter:        preferred,
		PixelsPerImage: pixels,
		Logger:         log,
	})
	if err := eng.Initialize(); err != nil {
		if errors.Is(err, gpu.ErrDeviceUnavailable) {
			log.Info("no compute device, classifying on the host", "err", err)
			return nil, nil
		}
		return nil, err
	}
	a := eng.Context().Adapter()
	log.Info("engine ready", "adapter", a.Name, "backend", a.Backend)
	return eng, nil
}

func (s *session) runner() *classify.Runner {
	return classify.NewRunner(s.set, s.eng, s.log)
}

func (s *session) close() {
	if s.eng != nil {
		s.eng.Shutdown()
	}
}

// finish prints the result and writes the run report when --report is set.
func (s *session) finish(res *classify.Result, params map[string]any) error {
	fmt.Println(summary(res))
	if reportPath == "" {
		return nil
	}
	rep := &runReport{
		RunID:   s.runID,
		Command: s.command,
		Started: s.started,
		DataDir: dataDir,
		Driver:  driverName,
		Params:  params,
		Result:  res,
	}
	if err := writeReport(reportPath, rep); err != nil {
		return err
	}
	s.log.Info("report written", "path", reportPath)
	return nil
}
