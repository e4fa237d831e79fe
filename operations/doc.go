/*
Package operations executes the individual steps of a deployment saga and records what each one
did.

An Operation is a versioned step with at most one side effect. ExecuteOperation runs it with
optional retries and stores a Report. A successful report short-circuits any later execution
with the same definition and input, which is what makes a redelivered continuation harmless.

A Sequence runs several operations under one definition, such as the compensating actions of a
rollback, and its SequenceReport collects their reports.

The OperationRegistry resolves a Definition back to code, so a continuation only has to carry
the definition of the step it resumes.

# Basic Usage

	op := operations.NewOperation("create-account", semver.MustParse("1.0.0"),
		"Create the sub-account", handler)

	b := operations.NewBundle(func() context.Context { return ctx }, lggr, operations.NewMemoryReporter()).
		WithLabel("saga_id", id)
	report, err := operations.ExecuteOperation(b, op, deps, input)
*/
package operations
