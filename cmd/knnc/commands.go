package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/heyyod/knn-compute/classify"
	"github.com/heyyod/knn-compute/dataset"
	"github.com/heyyod/knn-compute/detector"
	"github.com/heyyod/knn-compute/gpu"
)

func devicesCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "devices",
		Usage: "List WebGPU adapters and how the engine would use them",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the full report as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if asJSON {
				out, err := detector.DetectJSON()
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			rep, err := detector.Detect()
			if err != nil {
				return err
			}
			if len(rep.Adapters) == 0 {
				fmt.Println("no adapters found")
				return nil
			}
			for _, a := range rep.Adapters {
				mark := " "
				if a.Index == rep.Selected {
					mark = "*"
				}
				fmt.Printf("%s %d  %-40s %-10s %-8s compute=%t workgroup=%d fits=%t\n",
					mark, a.Index, a.Name, a.Backend, a.AdapterType, a.Compute,
					a.Recommended.WorkgroupX, a.Recommended.FitsBudget)
			}
			return nil
		},
	}
}

func knnCmd() *cli.Command {
	var k, p, tests int64
	return &cli.Command{
		Name:  "knn",
		Usage: "Classify the test set by a vote of the k nearest training images",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "k", Usage: "neighbours per vote", Value: 1, Destination: &k},
			&cli.Int64Flag{Name: "p", Usage: "metric, 1 for Manhattan or 2 for squared Euclidean", Value: 2, Destination: &p},
			&cli.Int64Flag{Name: "tests", Aliases: []string{"n"}, Usage: "test images to classify, 0 for all", Destination: &tests},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyKNNConfig(c, cfg, &k, &p, &tests)
			s, err := openSession(c, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner().KNN(ctx, int(k), gpu.DistanceKind(p), int(tests))
			if err != nil {
				return err
			}
			return s.finish(res, map[string]any{"k": k, "p": p, "tests": tests})
		},
	}
}

func centroidCmd() *cli.Command {
	var tests int64
	return &cli.Command{
		Name:  "centroid",
		Usage: "Classify the test set by the nearest class mean",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "tests", Aliases: []string{"n"}, Usage: "test images to classify, 0 for all", Destination: &tests},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			if cfg.Tests != nil && !c.IsSet("tests") {
				tests = *cfg.Tests
			}
			s, err := openSession(c, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner().NearestCentroid(ctx, int(tests))
			if err != nil {
				return err
			}
			return s.finish(res, map[string]any{"tests": tests})
		},
	}
}

func trainCmd() *cli.Command {
	var (
		hidden       string
		epochs       int64
		learningRate float64
		train        int64
		tests        int64
		seed         int64
	)
	return &cli.Command{
		Name:  "train",
		Usage: "Train a sigmoid MLP by back-propagation and classify the test set",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "hidden", Usage: "hidden layer widths, comma separated", Value: "128", Destination: &hidden},
			&cli.Int64Flag{Name: "epochs", Aliases: []string{"e"}, Usage: "passes over the training images", Value: 1, Destination: &epochs},
			&cli.FloatFlag{Name: "lr", Usage: "learning rate", Value: 0.1, Destination: &learningRate},
			&cli.Int64Flag{Name: "train", Usage: "training images per epoch, 0 for all", Destination: &train},
			&cli.Int64Flag{Name: "tests", Aliases: []string{"n"}, Usage: "test images to classify, 0 for all", Destination: &tests},
			&cli.Int64Flag{Name: "seed", Usage: "weight initialisation seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyTrainConfig(c, cfg, &hidden, &epochs, &learningRate, &tests, &seed)
			widths, err := parseHidden(hidden)
			if err != nil {
				return err
			}
			s, err := openSession(c, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner().Train(ctx, classify.NetworkConfig{
				Hidden:       widths,
				Epochs:       int(epochs),
				LearningRate: float32(learningRate),
				Train:        int(train),
				Tests:        int(tests),
				Seed:         seed,
			})
			if err != nil {
				return err
			}
			return s.finish(res, map[string]any{
				"hidden": widths, "epochs": epochs, "lr": learningRate,
				"train": train, "tests": tests, "seed": seed,
			})
		},
	}
}

func renderCmd() *cli.Command {
	var (
		which    string
		index    int64
		centroid int64
	)
	return &cli.Command{
		Name:  "render",
		Usage: "Draw an image or a class centroid as text",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "set", Usage: "image set (train, test)", Value: "test", Destination: &which},
			&cli.Int64Flag{Name: "index", Aliases: []string{"i"}, Usage: "image index", Destination: &index},
			&cli.Int64Flag{Name: "centroid", Usage: "draw the mean image of this digit instead", Value: -1, Destination: &centroid},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGlobalConfig(c, LoadConfig())
			set, err := dataset.Load(dataDir)
			if err != nil {
				return fmt.Errorf("load %s: %w", dataDir, err)
			}
			return render(set, which, int(index), int(centroid))
		},
	}
}

func render(set *dataset.Set, which string, index, centroid int) error {
	cols := set.Train.Cols
	if centroid >= 0 {
		if centroid >= dataset.NumClasses {
			return fmt.Errorf("centroid %d out of range", centroid)
		}
		c := classify.ComputeCentroids(set)[centroid]
		if c == nil {
			return fmt.Errorf("no training images of digit %d", centroid)
		}
		fmt.Printf("centroid of %d\n", centroid)
		return dataset.Render(os.Stdout, c, cols, dataset.CentroidThreshold)
	}

	images, labels := set.Test, set.TestLabels
	switch which {
	case "test":
	case "train":
		images, labels = set.Train, set.TrainLabels
	default:
		return fmt.Errorf("unknown set %q (want train or test)", which)
	}
	if index < 0 || index >= images.Count {
		return fmt.Errorf("index %d out of range [0, %d)", index, images.Count)
	}
	fmt.Printf("%s image %d, label %d\n", which, index, labels[index])
	return dataset.Render(os.Stdout, images.Image(index), cols, dataset.PixelThreshold)
}
