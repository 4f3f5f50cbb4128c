package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
)

var (
	dataDir    string
	driverName string
	adapter    string
	useCPU     bool
	reportPath string
	logLevel   string
	logFormat  string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "directory holding the four MNIST idx files",
			Value:       ".",
			Destination: &dataDir,
		},
		&cli.StringFlag{
			Name:        "driver",
			Usage:       "compute driver (webgpu, host)",
			Value:       "webgpu",
			Destination: &driverName,
		},
		&cli.StringFlag{
			Name:        "adapter",
			Usage:       "preferred adapter, a substring of its name or vendor",
			Destination: &adapter,
		},
		&cli.BoolFlag{
			Name:        "cpu",
			Usage:       "skip the engine and classify on the host",
			Destination: &useCPU,
		},
		&cli.StringFlag{
			Name:        "report",
			Usage:       "write a JSON run report to this path",
			Destination: &reportPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

// isSet reports whether name was given on cmd or any of its parents.
func isSet(cmd *cli.Command, name string) bool {
	for _, c := range cmd.Lineage() {
		if c.IsSet(name) {
			return true
		}
	}
	return false
}

// parseHidden reads comma separated hidden layer widths such as "128,64".
func parseHidden(s string) ([]int, error) {
	var widths []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		w, err := strconv.Atoi(f)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid hidden layer width %q", f)
		}
		widths = append(widths, w)
	}
	if len(widths) == 0 {
		return nil, fmt.Errorf("at least one hidden layer is required")
	}
	return widths, nil
}
