package main

import (
	"flag"
	"fmt"
	"log"
	"maps"
	"os"
	"strconv"
	"strings"

	"model-benchmark/internal/core"
	"model-benchmark/internal/core/estimators"
	"model-benchmark/internal/core/types"
)

func main() {
	var (
		taskTypeFlag string
		name         string
		dataPath     string
		outPath      string
	)
	params := estimators.Params{}

	flag.StringVar(&taskTypeFlag, "task-type", "classification", "classification or regression")
	flag.StringVar(&name, "name", core.LogisticRegression, "catalog model to train")
	flag.StringVar(&dataPath, "data", "", "training csv, label in the last column")
	flag.StringVar(&outPath, "out", "", "output path of the .model artifact")
	flag.Func("param", "hyperparameter override as key=value, may be repeated", func(s string) error {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", s)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		params[key] = v
		return nil
	})
	flag.Parse()

	if dataPath == "" || outPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !strings.HasSuffix(outPath, ".model") {
		log.Fatalf("output path %s must end with .model", outPath)
	}

	taskType, err := types.ParseTaskType(taskTypeFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	spec, err := core.CatalogSpec(taskType, name)
	if err != nil {
		log.Fatalf("%v", err)
	}
	merged := estimators.Params{}
	maps.Copy(merged, spec.Params)
	maps.Copy(merged, params)
	spec.Params = merged

	file, err := os.Open(dataPath)
	if err != nil {
		log.Fatalf("error opening %s: %v", dataPath, err)
	}
	dataset, err := core.ParseDataset(file)
	file.Close()
	if err != nil {
		log.Fatalf("error loading %s: %v", dataPath, err)
	}

	est, err := spec.New()
	if err != nil {
		log.Fatalf("invalid params for %s: %v", name, err)
	}

	log.Printf("training %s on %d rows with %d features", name, dataset.Rows(), dataset.Features())
	if err := est.Fit(dataset.X, dataset.Y); err != nil {
		log.Fatalf("error training %s: %v", name, err)
	}

	pred, err := est.Predict(dataset.X)
	if err != nil {
		log.Fatalf("error predicting with %s: %v", name, err)
	}
	metrics, err := core.CalculateMetrics(taskType, dataset.Y, pred)
	if err != nil {
		log.Fatalf("error computing training metrics: %v", err)
	}
	keys, _ := types.MetricKeys(taskType)
	for _, k := range keys {
		log.Printf("train %s: %.4f", k, metrics[k])
	}

	if err := core.SaveArtifact(outPath, name, taskType, est); err != nil {
		log.Fatalf("error saving model: %v", err)
	}
	log.Printf("saved %s to %s", name, outPath)
}
