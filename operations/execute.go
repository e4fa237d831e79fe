package operations

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/avast/retry-go/v4"
)

var ErrNotSerializable = errors.New("data cannot be safely written to disk without data lost, " +
	"avoid type that can't be serialized")

// ExecuteConfig is the configuration of ExecuteOperation.
type ExecuteConfig[IN, DEP any] struct {
	retryConfig RetryConfig[IN, DEP]
}

type ExecuteOption[IN, DEP any] func(*ExecuteConfig[IN, DEP])

type RetryConfig[IN, DEP any] struct {
	// Enabled turns retries on.
	Enabled bool

	// Policy controls the number of attempts and the backoff.
	Policy RetryPolicy

	// InputHook returns the input for the next attempt.
	InputHook func(attempt uint, err error, input IN, deps DEP) IN
}

func newDisabledRetryConfig[IN, DEP any]() RetryConfig[IN, DEP] {
	return RetryConfig[IN, DEP]{
		Enabled: false,
		Policy: RetryPolicy{
			MaxAttempts: 10,
		},
	}
}

// RetryPolicy controls the retry behavior.
type RetryPolicy struct {
	MaxAttempts uint
	// Delay is the initial backoff delay. Zero keeps the retry-go default.
	Delay time.Duration
}

func (p RetryPolicy) options() []retry.Option {
	opts := []retry.Option{
		retry.Attempts(p.MaxAttempts),
	}
	if p.Delay > 0 {
		opts = append(opts, retry.Delay(p.Delay))
	}

	return opts
}

// WithRetryConfig sets the whole retry configuration.
func WithRetryConfig[IN, DEP any](config RetryConfig[IN, DEP]) ExecuteOption[IN, DEP] {
	return func(c *ExecuteConfig[IN, DEP]) {
		c.retryConfig = config
	}
}

// ExecuteOperation executes an operation and records its Report.
//
// If a successful report with the same definition and input already exists, the operation is
// not executed again and that report is returned. This makes redelivered steps no-ops. Failed
// reports never short-circuit execution.
//
// Retries are off unless enabled with one of the retry options. Return NewUnrecoverableError
// from the handler to stop retrying.
//
// Input and output must be JSON serializable, see IsSerializable.
func ExecuteOperation[IN, OUT, DEP any](
	b Bundle,
	operation *Operation[IN, OUT, DEP],
	deps DEP,
	input IN,
	opts ...ExecuteOption[IN, DEP],
) (Report[IN, OUT], error) {
	if !IsSerializable(b.Logger, input) {
		return Report[IN, OUT]{}, fmt.Errorf("operation %s input: %w", operation.def.ID, ErrNotSerializable)
	}

	if previousReport, found := loadPreviousSuccessfulReport[IN, OUT](b, operation.def, input); found {
		b.Logger.Infow("Operation already executed. Returning previous result", "id", operation.def.ID,
			"version", operation.def.Version, "description", operation.def.Description)

		return previousReport, nil
	}

	executeConfig := &ExecuteConfig[IN, DEP]{
		retryConfig: newDisabledRetryConfig[IN, DEP](),
	}
	for _, opt := range opts {
		opt(executeConfig)
	}

	var output OUT
	var err error

	if executeConfig.retryConfig.Enabled {
		inputTemp := input

		retryOpts := executeConfig.retryConfig.Policy.options()
		retryOpts = append(retryOpts, retry.Context(b.GetContext()))
		retryOpts = append(retryOpts, retry.OnRetry(func(attempt uint, err error) {
			b.Logger.Infow("Operation failed. Retrying...",
				"operation", operation.def.ID, "attempt", attempt, "error", err)

			if executeConfig.retryConfig.InputHook != nil {
				inputTemp = executeConfig.retryConfig.InputHook(attempt, err, inputTemp, deps)
			}
		}))

		output, err = retry.DoWithData(
			func() (OUT, error) {
				return operation.execute(b, deps, inputTemp)
			},
			retryOpts...,
		)
	} else {
		output, err = operation.execute(b, deps, input)
	}

	if err == nil && !IsSerializable(b.Logger, output) {
		return Report[IN, OUT]{}, fmt.Errorf("operation %s output: %w", operation.def.ID, ErrNotSerializable)
	}

	report := NewReport(operation.def, input, output, err)
	report.Labels = maps.Clone(b.labels)
	if addErr := b.reporter.AddReport(genericReport(report)); addErr != nil {
		return Report[IN, OUT]{}, addErr
	}

	if err != nil {
		return report, err
	}

	return report, nil
}

// ExecuteSequence executes a sequence and returns its report together with the reports of the
// operations it ran. Like ExecuteOperation, a previous successful run with the same input is
// returned without executing again.
func ExecuteSequence[IN, OUT, DEP any](
	b Bundle, sequence *Sequence[IN, OUT, DEP], deps DEP, input IN,
) (SequenceReport[IN, OUT], error) {
	if !IsSerializable(b.Logger, input) {
		return SequenceReport[IN, OUT]{}, fmt.Errorf("sequence %s input: %w", sequence.def.ID, ErrNotSerializable)
	}

	if previousReport, found := loadPreviousSuccessfulReport[IN, OUT](b, sequence.def, input); found {
		executionReports, err := b.reporter.GetExecutionReports(previousReport.ID)
		if err != nil {
			return SequenceReport[IN, OUT]{}, err
		}
		b.Logger.Infow("Sequence already executed. Returning previous result", "id", sequence.def.ID,
			"version", sequence.def.Version, "description", sequence.def.Description)

		return SequenceReport[IN, OUT]{previousReport, executionReports}, nil
	}

	b.Logger.Infow("Executing sequence", "id", sequence.def.ID,
		"version", sequence.def.Version, "description", sequence.def.Description)
	recentReporter := NewRecentMemoryReporter(b.reporter)
	child := b
	child.reporter = recentReporter

	ret, err := sequence.handler(child, deps, input)
	if errors.Is(err, ErrNotSerializable) {
		return SequenceReport[IN, OUT]{}, err
	}
	if err == nil && !IsSerializable(b.Logger, ret) {
		return SequenceReport[IN, OUT]{}, fmt.Errorf("sequence %s output: %w", sequence.def.ID, ErrNotSerializable)
	}

	recentReports := recentReporter.GetRecentReports()
	childReports := make([]string, 0, len(recentReports))
	for _, rep := range recentReports {
		childReports = append(childReports, rep.ID)
	}

	report := NewReport(sequence.def, input, ret, err, childReports...)
	report.Labels = maps.Clone(b.labels)
	if addErr := b.reporter.AddReport(genericReport(report)); addErr != nil {
		return SequenceReport[IN, OUT]{}, addErr
	}

	executionReports, repErr := b.reporter.GetExecutionReports(report.ID)
	if repErr != nil {
		return SequenceReport[IN, OUT]{}, repErr
	}

	if err != nil {
		return SequenceReport[IN, OUT]{report, executionReports}, err
	}

	return SequenceReport[IN, OUT]{report, executionReports}, nil
}

// NewUnrecoverableError wraps err so that a retrying operation fails immediately.
func NewUnrecoverableError(err error) error {
	return retry.Unrecoverable(err)
}

func loadPreviousSuccessfulReport[IN, OUT any](
	b Bundle, def Definition, input IN,
) (Report[IN, OUT], bool) {
	prevReports, err := b.reporter.GetReports()
	if err != nil {
		b.Logger.Errorw("Failed to get reports", "error", err)
		return Report[IN, OUT]{}, false
	}
	currentHash, err := constructUniqueHashFrom(b.reportHashCache, "", def, input)
	if err != nil {
		b.Logger.Errorw("Failed to construct unique hash", "error", err)
		return Report[IN, OUT]{}, false
	}

	for _, report := range prevReports {
		if report.Err != nil {
			continue
		}
		reportHash, err := constructUniqueHashFrom(b.reportHashCache, report.ID, report.Def, report.Input)
		if err != nil {
			b.Logger.Errorw("Failed to construct unique hash for previous report", "error", err)
			continue
		}
		if reportHash != currentHash {
			continue
		}
		typedReport, ok := typeReport[IN, OUT](report)
		if !ok {
			b.Logger.Debugw(fmt.Sprintf("Previous %s execution found but its output does not match", def.ID),
				"report_id", report.ID)

			continue
		}
		b.Logger.Debugw(fmt.Sprintf("Previous %s execution found. Returning its result", def.ID),
			"report_id", report.ID)

		return typedReport, true
	}

	return Report[IN, OUT]{}, false
}
