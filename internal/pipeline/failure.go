// Package pipeline runs the per-item processing stages and decides how each
// outcome settles against the work queue.
package pipeline

import "fmt"

// Kind classifies a processing failure by what a retry can achieve.
type Kind string

const (
	// KindTransient failures may succeed on redelivery: network faults,
	// throttling, timeouts.
	KindTransient Kind = "Transient"
	// KindPermanent failures can never succeed for this item: missing
	// objects, unparseable content, schema mismatches.
	KindPermanent Kind = "Permanent"
)

// Failure is a classified processing error carrying the stage it occurred in.
type Failure struct {
	Kind  Kind
	Stage string
	Err   error
}

// Transient wraps err as a retryable failure in the given stage.
func Transient(stage string, err error) *Failure {
	return &Failure{Kind: KindTransient, Stage: stage, Err: err}
}

// Permanent wraps err as a non-retryable failure in the given stage.
func Permanent(stage string, err error) *Failure {
	return &Failure{Kind: KindPermanent, Stage: stage, Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure in %s: %v", f.Kind, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
