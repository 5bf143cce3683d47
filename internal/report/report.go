package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Kind classifies what happened to a single asset.
type Kind string

const (
	KindSkipped      Kind = "skipped"
	KindRecompressed Kind = "recompressed"
	KindConverted    Kind = "converted"
	KindFailed       Kind = "failed"
)

// Outcome is the result of processing one asset.
type Outcome struct {
	Kind       Kind      `json:"kind" yaml:"kind"`
	Path       string    `json:"path" yaml:"path"`
	NewPath    string    `json:"new_path,omitempty" yaml:"new_path,omitempty"`
	OldSize    int64     `json:"old_size" yaml:"old_size"`
	NewSize    int64     `json:"new_size,omitempty" yaml:"new_size,omitempty"`
	Kept       bool      `json:"kept,omitempty" yaml:"kept,omitempty"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	DryRun     bool      `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Succeeded reports whether the asset was rewritten.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindRecompressed || o.Kind == KindConverted
}

// Saved returns the bytes saved by a successful outcome, zero otherwise.
func (o Outcome) Saved() int64 {
	if !o.Succeeded() {
		return 0
	}
	return o.OldSize - o.NewSize
}

// Totals aggregates a report.
type Totals struct {
	Assets       int           `json:"assets" yaml:"assets"`
	Skipped      int           `json:"skipped" yaml:"skipped"`
	Recompressed int           `json:"recompressed" yaml:"recompressed"`
	Converted    int           `json:"converted" yaml:"converted"`
	Failed       int           `json:"failed" yaml:"failed"`
	OldBytes     int64         `json:"old_bytes" yaml:"old_bytes"`
	NewBytes     int64         `json:"new_bytes" yaml:"new_bytes"`
	SavedBytes   int64         `json:"saved_bytes" yaml:"saved_bytes"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
}

// Report is the ordered, append-only list of outcomes for one batch.
// A single optimizer goroutine writes; readers such as the web status
// endpoint may snapshot it concurrently.
type Report struct {
	Directory string
	Policy    string
	StartTime time.Time
	EndTime   time.Time

	outcomes []Outcome
	mutex    sync.RWMutex
}

// Snapshot is the serialisable form of a report.
type Snapshot struct {
	Directory string    `json:"directory" yaml:"directory"`
	Policy    string    `json:"policy" yaml:"policy"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Totals    Totals    `json:"totals" yaml:"totals"`
	Outcomes  []Outcome `json:"outcomes" yaml:"outcomes"`
}

// New returns an empty report for a batch over directory.
func New(directory, policy string) *Report {
	return &Report{
		Directory: directory,
		Policy:    policy,
		StartTime: time.Now(),
		outcomes:  make([]Outcome, 0),
	}
}

// Add appends an outcome.
func (r *Report) Add(o Outcome) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns a copy of the outcomes in processing order.
func (r *Report) Outcomes() []Outcome {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Len returns the number of recorded outcomes.
func (r *Report) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.outcomes)
}

// Failed returns only the failed outcomes.
func (r *Report) Failed() []Outcome {
	return r.filter(KindFailed)
}

// ByKind returns the outcomes of one kind.
func (r *Report) ByKind(kind Kind) []Outcome {
	return r.filter(kind)
}

func (r *Report) filter(kind Kind) []Outcome {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []Outcome
	for _, o := range r.outcomes {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// Finalize stamps the end time.
func (r *Report) Finalize() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.EndTime = time.Now()
}

// Totals computes counters and size totals. Only rewritten assets count
// toward the byte totals.
func (r *Report) Totals() Totals {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t := Totals{Assets: len(r.outcomes)}
	for _, o := range r.outcomes {
		switch o.Kind {
		case KindSkipped:
			t.Skipped++
		case KindRecompressed:
			t.Recompressed++
		case KindConverted:
			t.Converted++
		case KindFailed:
			t.Failed++
		}
		if o.Succeeded() {
			t.OldBytes += o.OldSize
			t.NewBytes += o.NewSize
			t.SavedBytes += o.Saved()
		}
	}
	if !r.EndTime.IsZero() {
		t.Duration = r.EndTime.Sub(r.StartTime)
	} else {
		t.Duration = time.Since(r.StartTime)
	}
	return t
}

// SummaryLine returns the one-line batch summary printed after the
// per-asset progress lines.
func (r *Report) SummaryLine() string {
	t := r.Totals()
	return fmt.Sprintf("Total: %d converted, %d recompressed, %d skipped, %d failed. Saved %.2f KB",
		t.Converted, t.Recompressed, t.Skipped, t.Failed, float64(t.SavedBytes)/1024)
}

// GetSummary returns a formatted multi-line summary.
func (r *Report) GetSummary() string {
	t := r.Totals()
	return fmt.Sprintf(`Asset Optimizer Summary:

Batch:
		Directory: %s
		Policy: %s
		Duration: %v

Assets:
		Total: %d
		Converted: %d
		Recompressed: %d
		Skipped: %d
		Failed: %d

Size:
		Before: %s
		After: %s
		Saved: %s`,
		r.Directory,
		r.Policy,
		t.Duration.Round(time.Millisecond),
		t.Assets,
		t.Converted,
		t.Recompressed,
		t.Skipped,
		t.Failed,
		humanize.IBytes(uint64(t.OldBytes)),
		humanize.IBytes(uint64(t.NewBytes)),
		formatSigned(t.SavedBytes))
}

// GetErrorSummary returns a summary of failed assets.
func (r *Report) GetErrorSummary() string {
	failed := r.Failed()
	if len(failed) == 0 {
		return "No errors occurred during processing"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Errors (%d total):\n", len(failed))
	for i, o := range failed {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more errors\n", len(failed)-10)
			break
		}
		fmt.Fprintf(&b, "  [%s] %s - %s\n", o.FinishedAt.Format("15:04:05"), o.Path, o.Error)
	}
	return b.String()
}

// Snapshot returns a consistent copy for serialisation.
func (r *Report) Snapshot() Snapshot {
	totals := r.Totals()
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	outcomes := make([]Outcome, len(r.outcomes))
	copy(outcomes, r.outcomes)
	return Snapshot{
		Directory: r.Directory,
		Policy:    r.Policy,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Totals:    totals,
		Outcomes:  outcomes,
	}
}

// Render writes the report in the given format: text, json or yaml.
func (r *Report) Render(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		_, err := fmt.Fprintln(w, r.GetSummary())
		if err != nil {
			return err
		}
		if len(r.Failed()) > 0 {
			_, err = fmt.Fprint(w, "\n"+r.GetErrorSummary())
		}
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Snapshot())
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r.Snapshot()); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format: %s (valid: text, json, yaml)", format)
	}
}

func formatSigned(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
