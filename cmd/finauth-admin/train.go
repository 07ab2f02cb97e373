package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MrEthical07/finauth/device"
)

func runTrain(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("train-device-model", flag.ContinueOnError)
	var (
		input     = fs.String("input", "", "file of fingerprint JSON objects, one per line")
		output    = fs.String("output", "models/device.json", "model bundle path")
		trees     = fs.Int("trees", 0, "number of trees (0 keeps the default)")
		sample    = fs.Int("sample", 0, "subsample size per tree (0 keeps the default)")
		seed      = fs.Uint64("seed", 0, "random seed (0 keeps the default)")
		contam    = fs.Float64("contamination", 0, "expected anomaly share (0 keeps the default)")
		skipWrong = fs.Bool("skip-invalid", false, "skip lines that are not valid fingerprints")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("-input required")
	}

	f, err := os.Open(*input)
	if err != nil {
		return err
	}
	defer f.Close()

	vectors, skipped, err := readVectors(f, *skipWrong)
	if err != nil {
		return err
	}

	cfg := device.DefaultForestConfig()
	if *trees > 0 {
		cfg.Trees = *trees
	}
	if *sample > 0 {
		cfg.SampleSize = *sample
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *contam > 0 {
		cfg.Contamination = *contam
	}

	bundle, err := device.Train(vectors, cfg)
	if err != nil {
		return err
	}
	if err := bundle.SaveFile(*output); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	fmt.Fprintf(out, "trained on %d fingerprints (%d skipped), wrote %s\n", len(vectors), skipped, *output)
	return nil
}

func readVectors(r io.Reader, skipInvalid bool) ([][]float64, int, error) {
	var (
		vectors [][]float64
		skipped int
		line    int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		x, err := device.Extract(raw)
		if err != nil {
			if skipInvalid {
				skipped++
				continue
			}
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}
		vectors = append(vectors, x)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return vectors, skipped, nil
}
