package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/heyyod/knn-compute/classify"
)

type runReport struct {
	RunID   string           `json:"run_id"`
	Command string           `json:"command"`
	Started time.Time        `json:"started"`
	DataDir string           `json:"data_dir"`
	Driver  string           `json:"driver"`
	Params  map[string]any   `json:"params,omitempty"`
	Result  *classify.Result `json:"result"`
}

func writeReport(path string, rep *runReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func summary(res *classify.Result) string {
	return fmt.Sprintf("%s on %s: %d/%d correct (%.2f%%) in %s",
		res.Method, res.Device, res.Correct, res.Tested, 100*res.Rate,
		res.Elapsed.Round(time.Millisecond))
}
