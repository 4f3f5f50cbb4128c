package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "knnc",
		Usage: "Classify MNIST digits with k-NN, nearest centroid or a small MLP on WebGPU",
		Flags: append(globalFlags(), loggingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			devicesCmd(),
			knnCmd(),
			centroidCmd(),
			trainCmd(),
			renderCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
