package operations

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Report records one execution of an operation or a sequence.
type Report[IN, OUT any] struct {
	ID        string       `json:"id"`
	Def       Definition   `json:"definition"`
	Output    OUT          `json:"output"`
	Input     IN           `json:"input"`
	Timestamp *time.Time   `json:"timestamp"`
	Err       *ReportError `json:"error"`
	// Labels are copied from the Bundle the execution ran with.
	Labels map[string]string `json:"labels,omitempty"`
	// ids of the reports of the operations run by a sequence.
	ChildOperationReports []string `json:"childOperationReports"`
}

// ToGenericReport converts the Report to a Report[any, any].
func (r Report[IN, OUT]) ToGenericReport() Report[any, any] {
	return genericReport(r)
}

// SequenceReport is the report of a sequence together with the reports of every operation it ran.
type SequenceReport[IN, OUT any] struct {
	Report[IN, OUT]

	// ExecutionReports lists the child reports followed by the sequence report itself.
	ExecutionReports []Report[any, any]
}

// NewReport returns a new report. childReportsID only applies to sequences.
func NewReport[IN, OUT any](
	def Definition, input IN, output OUT, err error, childReportsID ...string,
) Report[IN, OUT] {
	now := time.Now()
	r := Report[IN, OUT]{
		ID:                    uuid.New().String(),
		Def:                   def,
		Output:                output,
		Input:                 input,
		Timestamp:             &now,
		ChildOperationReports: childReportsID,
	}
	if err != nil {
		r.Err = &ReportError{Message: err.Error()}
	}

	return r
}

// ReportError is the serializable form of an execution error.
type ReportError struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (o ReportError) Error() string {
	return o.Message
}

var ErrReportNotFound = errors.New("report not found")

// Reporter stores reports.
type Reporter interface {
	GetReport(id string) (Report[any, any], error)
	GetReports() ([]Report[any, any], error)
	AddReport(report Report[any, any]) error
	GetExecutionReports(reportID string) ([]Report[any, any], error)
}

// MemoryReporter stores reports in memory. It is safe for concurrent use.
type MemoryReporter struct {
	reports []Report[any, any]
	mu      sync.RWMutex
}

type MemoryReporterOption func(*MemoryReporter)

// WithReports seeds the MemoryReporter with reports.
func WithReports(reports []Report[any, any]) MemoryReporterOption {
	return func(mr *MemoryReporter) {
		mr.reports = reports
	}
}

// NewMemoryReporter returns a new MemoryReporter.
func NewMemoryReporter(options ...MemoryReporterOption) *MemoryReporter {
	reporter := &MemoryReporter{}
	for _, opt := range options {
		opt(reporter)
	}

	return reporter
}

// AddReport adds a report.
func (e *MemoryReporter) AddReport(report Report[any, any]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reports = append(e.reports, report)

	return nil
}

// GetReports returns a copy of all reports in insertion order.
func (e *MemoryReporter) GetReports() ([]Report[any, any], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reports := make([]Report[any, any], len(e.reports))
	copy(reports, e.reports)

	return reports, nil
}

// GetReportsByLabel returns the reports labelled key=value in insertion order.
func (e *MemoryReporter) GetReportsByLabel(key, value string) []Report[any, any] {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Report[any, any]
	for _, r := range e.reports {
		if v, ok := r.Labels[key]; ok && v == value {
			out = append(out, r)
		}
	}

	return out
}

// GetReport returns the report with the given id, or ErrReportNotFound.
func (e *MemoryReporter) GetReport(id string) (Report[any, any], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, report := range e.reports {
		if report.ID == id {
			return report, nil
		}
	}

	return Report[any, any]{}, fmt.Errorf("report_id %s: %w", id, ErrReportNotFound)
}

// GetExecutionReports returns the reports of a sequence and, recursively, of its children.
// Children come first.
func (e *MemoryReporter) GetExecutionReports(seqID string) ([]Report[any, any], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var allReports []Report[any, any]

	var collect func(id string) error
	collect = func(id string) error {
		idx := -1
		for i, r := range e.reports {
			if r.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("report_id %s: %w", id, ErrReportNotFound)
		}

		report := e.reports[idx]
		for _, childID := range report.ChildOperationReports {
			if err := collect(childID); err != nil {
				return err
			}
		}
		allReports = append(allReports, report)

		return nil
	}

	if err := collect(seqID); err != nil {
		return nil, err
	}

	return allReports, nil
}

// RecentReporter wraps a Reporter and remembers the reports added through it. Sequences use it
// to find the reports of their child operations.
type RecentReporter struct {
	Reporter
	recentReports []Report[any, any]
	mu            sync.RWMutex
}

// AddReport adds a report to the wrapped reporter and remembers it.
func (e *RecentReporter) AddReport(report Report[any, any]) error {
	if err := e.Reporter.AddReport(report); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recentReports = append(e.recentReports, report)

	return nil
}

// GetRecentReports returns the reports added since the RecentReporter was created.
func (e *RecentReporter) GetRecentReports() []Report[any, any] {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.recentReports
}

// NewRecentMemoryReporter returns a RecentReporter wrapping reporter.
func NewRecentMemoryReporter(reporter Reporter) *RecentReporter {
	return &RecentReporter{
		Reporter:      reporter,
		recentReports: []Report[any, any]{},
	}
}

func genericReport[IN, OUT any](r Report[IN, OUT]) Report[any, any] {
	return Report[any, any]{
		ID:                    r.ID,
		Def:                   r.Def,
		Output:                r.Output,
		Input:                 r.Input,
		Timestamp:             r.Timestamp,
		Err:                   r.Err,
		Labels:                maps.Clone(r.Labels),
		ChildOperationReports: r.ChildOperationReports,
	}
}

// typeReport converts a Report[any, any] back to its typed form. Input and Output go through
// JSON so that reports loaded from storage, where structs became maps and ints became floats,
// convert as well as in-memory ones.
func typeReport[IN, OUT any](r Report[any, any]) (Report[IN, OUT], bool) {
	inputBytes, err := json.Marshal(r.Input)
	if err != nil {
		return Report[IN, OUT]{}, false
	}
	var input IN
	if err = json.Unmarshal(inputBytes, &input); err != nil {
		return Report[IN, OUT]{}, false
	}

	outputBytes, err := json.Marshal(r.Output)
	if err != nil {
		return Report[IN, OUT]{}, false
	}
	var output OUT
	if err = json.Unmarshal(outputBytes, &output); err != nil {
		return Report[IN, OUT]{}, false
	}

	return Report[IN, OUT]{
		ID:                    r.ID,
		Def:                   r.Def,
		Output:                output,
		Input:                 input,
		Timestamp:             r.Timestamp,
		Err:                   r.Err,
		Labels:                r.Labels,
		ChildOperationReports: r.ChildOperationReports,
	}, true
}
