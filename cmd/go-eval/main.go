package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-eval/metric"
	"github.com/nvr-ai/go-eval/results"
)

func main() {
	var (
		annFile       = flag.String("ann", "", "Path or URL of the ground-truth annotation file")
		predFile      = flag.String("predictions", "", "Path to a JSON array of prediction records")
		metrics       = flag.String("metrics", "bbox", "Comma-separated metrics to compute: bbox, segm, proposal")
		metricItems   = flag.String("metric-items", "", "Comma-separated metric items to report (default: all)")
		iouThrs       = flag.String("iou-thrs", "", "Comma-separated IoU thresholds (default: 0.50:0.05:0.95)")
		classwise     = flag.Bool("classwise", false, "Report per-category precision")
		proposalNums  = flag.Int("proposal-nums", 300, "Top-K detections per image for proposal recall")
		formatOnly    = flag.Bool("format-only", false, "Only write intermediate result files, compute nothing")
		outfilePrefix = flag.String("outfile-prefix", "", "Path prefix for intermediate result files")
		output        = flag.String("output", "", "Path for the report JSON (default: stdout)")
	)
	flag.Parse()

	if *annFile == "" {
		log.Fatal("Annotation file is required (-ann)")
	}
	if *predFile == "" {
		log.Fatal("Prediction file is required (-predictions)")
	}
	if *formatOnly && *outfilePrefix == "" {
		log.Fatal("Format-only runs need a result file location (-outfile-prefix)")
	}

	cfg := metric.DefaultConfig()
	cfg.Metrics = splitList(*metrics)
	cfg.MetricItems = splitList(*metricItems)
	cfg.Classwise = *classwise
	cfg.ProposalNums = *proposalNums
	cfg.FormatOnly = *formatOnly
	cfg.OutfilePrefix = *outfilePrefix
	if *iouThrs != "" {
		thrs, err := parseFloats(*iouThrs)
		if err != nil {
			log.Fatalf("Failed to parse IoU thresholds: %v", err)
		}
		cfg.IoUThrs = thrs
	}

	m, err := metric.New(*annFile, cfg)
	if err != nil {
		log.Fatalf("Failed to load annotations: %v", err)
	}

	records, err := loadRecords(*predFile)
	if err != nil {
		log.Fatalf("Failed to load predictions: %v", err)
	}
	fmt.Printf("Loaded %d prediction records\n", len(records))

	report, err := m.Evaluate(records)
	if err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}

	data, err := json.MarshalIndent(sanitize(report), "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	data = append(data, '\n')

	if *output == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	fmt.Printf("Report saved to: %s\n", *output)
}

// loadRecords reads a JSON array of prediction records.
func loadRecords(path string) ([]results.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []results.Record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// sanitize replaces NaN values with null so the report survives JSON
// encoding. NaN marks items with no qualifying ground truth.
func sanitize(report metric.Report) map[string]interface{} {
	out := make(map[string]interface{}, len(report))
	for k, v := range report {
		if f, ok := v.(float64); ok && math.IsNaN(f) {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	parts := splitList(s)
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Federated detection evaluation over LVIS-style annotations.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(
			os.Stderr,
			"  %s -ann ./lvis_val.json -predictions ./predictions.json -metrics bbox,segm\n",
			filepath.Base(os.Args[0]),
		)
		fmt.Fprintf(
			os.Stderr,
			"  %s -ann ./lvis_val.json -predictions ./proposals.json -metrics proposal -proposal-nums 1000\n",
			filepath.Base(os.Args[0]),
		)
		fmt.Fprintf(
			os.Stderr,
			"  %s -ann ./lvis_val.json -predictions ./predictions.json -format-only -outfile-prefix ./out/results\n",
			filepath.Base(os.Args[0]),
		)
	}
}
