// Command dogbreeds fine-tunes a breed classifier on a directory of
// labeled dog images (one subdirectory per breed) and writes the best
// live and EMA snapshots to the output directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/dataset"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

func main() {
	dataDir := flag.String("data", "", "dataset root, one subdirectory per class (required)")
	outDir := flag.String("out", "runs/dogbreeds", "output directory for checkpoints and metrics")
	epochs := flag.Int("epochs", 50, "training epochs")
	batchSize := flag.Int("batch-size", 64, "micro-batch size")
	accumSteps := flag.Int("accum", 4, "micro-batches accumulated per optimizer step")
	workers := flag.Int("workers", 4, "parallel image decode workers per batch")
	imageSize := flag.Int("image-size", 224, "square image size fed to the model")
	valFraction := flag.Float64("val-fraction", 0.2, "fraction of each class held out for validation")
	seed := flag.Int64("seed", 42, "seed for splitting, shuffling and weight init")
	flag.Parse()

	if *dataDir == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*dataDir, *outDir, *epochs, *batchSize, *accumSteps, *workers, *imageSize, *valFraction, *seed); err != nil {
		log.Fatalf("dogbreeds: %v", err)
	}
}

func run(dataDir, outDir string, epochs, batchSize, accumSteps, workers, imageSize int, valFraction float64, seed int64) error {
	processorCfg := preprocessing.DefaultConfig()
	processorCfg.TargetSize = imageSize
	processor, err := preprocessing.NewProcessor(processorCfg)
	if err != nil {
		return err
	}

	folder, err := dataset.NewImageFolder(dataDir, processor)
	if err != nil {
		return err
	}
	fmt.Print(folder)

	rng := rand.New(rand.NewSource(seed))
	trainIdx, valIdx, err := training.StratifiedSplit(folder.Labels(), valFraction, rng)
	if err != nil {
		return err
	}
	trainSet, err := training.NewSubset(folder, trainIdx)
	if err != nil {
		return err
	}
	valSet, err := training.NewSubset(folder, valIdx)
	if err != nil {
		return err
	}

	trainLoader, err := training.NewDataLoader(trainSet, training.DataLoaderConfig{
		BatchSize: batchSize,
		Shuffle:   true,
		Workers:   workers,
		Seed:      seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := training.NewDataLoader(valSet, training.DataLoaderConfig{
		BatchSize: batchSize,
		Workers:   workers,
		Seed:      seed,
	})
	if err != nil {
		return err
	}
	defer trainLoader.Stop()
	defer valLoader.Stop()

	model, err := training.NewFineTuneClassifier(training.ClassifierConfig{
		InputDim:   folder.Dim(),
		NumClasses: folder.NumClasses(),
		Seed:       seed,
	})
	if err != nil {
		return err
	}
	opt, err := training.NewAdamW(training.OptimizerGroupsFor(model), training.AdamWConfig{})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	metrics, err := training.NewJSONLMetricsSink(filepath.Join(outDir, "metrics.jsonl"))
	if err != nil {
		return err
	}
	defer metrics.Close()

	tuner, err := training.NewFineTuner(model, opt, training.FineTunerConfig{
		Epochs:        epochs,
		AccumSteps:    accumSteps,
		CheckpointDir: outDir,
		ProgressOut:   os.Stdout,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	bestAcc, err := tuner.Train(trainLoader, valLoader)
	if err != nil {
		return err
	}
	fmt.Printf("best validation accuracy: %.4f\n", bestAcc)
	fmt.Printf("checkpoints written to %s\n", outDir)
	return nil
}
