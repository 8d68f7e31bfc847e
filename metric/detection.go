// Package metric - The user-facing federated detection metric: buffers
// prediction records, runs the evaluation engine per requested metric
// kind, and assembles the reported result map.
package metric

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/nvr-ai/go-eval/dataset"
	"github.com/nvr-ai/go-eval/evaluation"
	"github.com/nvr-ai/go-eval/results"
	"github.com/pkg/errors"
)

// Config is the evaluation configuration surface.
type Config struct {
	// Metrics selects what to score: any of "bbox", "segm", "proposal".
	// Defaults to bbox only.
	Metrics []string `json:"metrics"`
	// IoUThrs overrides the default 0.50:0.05:0.95 threshold sweep.
	IoUThrs []float64 `json:"iou_thrs,omitempty"`
	// Classwise adds per-category precision to the report.
	Classwise bool `json:"classwise"`
	// ProposalNums is the top-K cutoff for proposal scoring. Defaults
	// to 300.
	ProposalNums int `json:"proposal_nums"`
	// MetricItems restricts which summarized items are reported; nil
	// reports the standard set.
	MetricItems []string `json:"metric_items,omitempty"`
	// FormatOnly converts and writes intermediate result files without
	// computing any metric, for test-server submission workflows.
	FormatOnly bool `json:"format_only"`
	// OutfilePrefix is the path prefix of the intermediate result files,
	// e.g. "a/b/prefix". Empty uses a transient directory cleaned up
	// after the run.
	OutfilePrefix string `json:"outfile_prefix,omitempty"`
	// Backend resolves the annotation source; nil picks one from the
	// path scheme.
	Backend dataset.Backend `json:"-"`
	// Logger receives progress and skip diagnostics; nil uses the
	// standard logger.
	Logger *log.Logger `json:"-"`
}

// DefaultConfig returns the default configuration: bounding-box scoring
// with the standard threshold sweep.
func DefaultConfig() Config {
	return Config{
		Metrics:      []string{string(results.KindBBox)},
		ProposalNums: 300,
	}
}

// DetectionMetric scores detection predictions against one federated
// ground-truth index. The index is immutable and shared; the record
// buffer is the only mutable state and is guarded for concurrent Add.
type DetectionMetric struct {
	cfg     Config
	index   *dataset.Index
	adapter *results.Adapter
	logger  *log.Logger

	mu       sync.Mutex
	records  []results.Record
	rejected int
}

// Report maps metric names to values: float64 for scalar items, []string
// for the formatted "<kind>_result" summaries, and [][2]string for
// classwise listings.
type Report map[string]interface{}

// New loads the annotation source and creates the metric.
func New(annFile string, cfg Config) (*DetectionMetric, error) {
	index, err := dataset.Load(annFile, cfg.Backend)
	if err != nil {
		return nil, err
	}
	return NewFromIndex(index, cfg)
}

// NewFromIndex creates the metric over an existing index, which may be
// shared with other metric instances.
func NewFromIndex(index *dataset.Index, cfg Config) (*DetectionMetric, error) {
	if index == nil {
		return nil, errors.New("metric: nil ground-truth index")
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = []string{string(results.KindBBox)}
	}
	for _, m := range cfg.Metrics {
		switch results.Kind(m) {
		case results.KindBBox, results.KindSegm, results.KindProposal:
		default:
			return nil, errors.Errorf("metric: unsupported metric %q", m)
		}
	}
	if cfg.ProposalNums <= 0 {
		cfg.ProposalNums = 300
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &DetectionMetric{
		cfg:     cfg,
		index:   index,
		adapter: results.NewAdapter(index),
		logger:  logger,
	}, nil
}

// Add buffers prediction records for a later Compute. Structurally invalid
// records are rejected immediately with a logged diagnostic; the return
// value is the number accepted.
func (m *DetectionMetric) Add(records ...results.Record) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	accepted := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			m.rejected++
			m.logger.Printf("rejecting prediction record: %v", err)
			continue
		}
		m.records = append(m.records, rec)
		accepted++
	}
	return accepted
}

// Rejected returns how many records Add has rejected so far.
func (m *DetectionMetric) Rejected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// Reset discards all buffered records.
func (m *DetectionMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.rejected = 0
}

// Compute scores the buffered records.
func (m *DetectionMetric) Compute() (Report, error) {
	m.mu.Lock()
	records := make([]results.Record, len(m.records))
	copy(records, m.records)
	m.mu.Unlock()
	return m.compute(records)
}

// Evaluate scores a one-off record set without touching the buffer: a
// pure function of its inputs, safe to call concurrently and repeatedly
// against the shared index.
func (m *DetectionMetric) Evaluate(records []results.Record) (Report, error) {
	return m.compute(records)
}

func (m *DetectionMetric) compute(records []results.Record) (Report, error) {
	prefix := m.cfg.OutfilePrefix
	if prefix == "" {
		dir, err := os.MkdirTemp("", "go-eval-")
		if err != nil {
			return nil, errors.Wrap(err, "creating result directory")
		}
		defer os.RemoveAll(dir)
		prefix = filepath.Join(dir, "results")
	}

	kinds := make([]results.Kind, len(m.cfg.Metrics))
	for i, name := range m.cfg.Metrics {
		kinds[i] = results.Kind(name)
	}
	if _, err := m.adapter.WriteFiles(records, kinds, prefix); err != nil {
		return nil, err
	}

	report := Report{}
	if m.cfg.FormatOnly {
		m.logger.Printf("results are saved in %s", filepath.Dir(prefix))
		return report, nil
	}

	for _, kind := range kinds {
		m.logger.Printf("Evaluating %s...", kind)
		if err := m.computeKind(report, records, kind); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (m *DetectionMetric) computeKind(report Report, records []results.Record, kind results.Kind) error {
	dets, stats, diags := m.adapter.Detections(records, kind)
	for _, d := range diags {
		m.logger.Printf("excluding from %s evaluation: %v", kind, d)
	}
	if stats.MalformedRecords > 0 || stats.MismatchedDetections > 0 {
		m.logger.Printf("%s evaluation excluded %d records and %d detections",
			kind, stats.MalformedRecords, stats.MismatchedDetections)
	}

	var p evaluation.Params
	if kind == results.KindProposal {
		p = evaluation.ProposalParams(m.cfg.ProposalNums)
	} else {
		p = evaluation.DefaultParams(evaluation.IoUKind(kind))
	}
	if len(m.cfg.IoUThrs) > 0 {
		p.IoUThrs = m.cfg.IoUThrs
	}

	res, err := evaluation.Evaluate(dets, m.index, p)
	if errors.Is(err, evaluation.ErrEmptyResultSet) {
		m.logger.Printf("no %s results to evaluate, skipping", kind)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "evaluating %s", kind)
	}

	items := res.Summarize(m.index)
	keep := m.keepItem()
	for _, it := range items {
		m.logger.Printf("%s %-8s = %.3f", kind, it.Name, it.Value)
	}

	if kind == results.KindProposal {
		for _, it := range items {
			if keep(it.Name) {
				report[it.Name] = roundTo(it.Value, 3)
			}
		}
		return nil
	}

	values := make([]string, 0, len(items))
	for _, it := range items {
		if !keep(it.Name) {
			continue
		}
		report[fmt.Sprintf("%s_%s", kind, it.Name)] = it.Value
		values = append(values, fmt.Sprintf("%.2f", it.Value*100))
	}
	report[fmt.Sprintf("%s_result", kind)] = values

	if m.cfg.Classwise {
		per := res.ClasswisePrecision()
		pairs := make([][2]string, 0, len(per))
		for i, ap := range per {
			name := m.index.CategoryName(res.CatIDs[i])
			report[fmt.Sprintf("%s_%s_precision", kind, name)] = ap
			pairs = append(pairs, [2]string{name, fmt.Sprintf("%.2f", ap*100)})
		}
		report[fmt.Sprintf("%s_classwise_result", kind)] = pairs
	}
	return nil
}

// keepItem builds the metric-item allow-list predicate; nil configuration
// keeps everything the summarizer produced.
func (m *DetectionMetric) keepItem() func(string) bool {
	if len(m.cfg.MetricItems) == 0 {
		return func(string) bool { return true }
	}
	allowed := make(map[string]struct{}, len(m.cfg.MetricItems))
	for _, it := range m.cfg.MetricItems {
		allowed[it] = struct{}{}
	}
	return func(name string) bool {
		_, ok := allowed[name]
		return ok
	}
}

func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
