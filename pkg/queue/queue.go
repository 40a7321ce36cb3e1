// Package queue defines the at-least-once job queue the execution engine consumes
// and provides an in-process implementation of it.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownJob is reported when a job has no registered handler.
	ErrUnknownJob = errors.New("no handler registered for job")
	// ErrStopped is returned by Enqueue after the queue has been stopped.
	ErrStopped = errors.New("queue stopped")
)

// Job is one delivery of a queued payload.
type Job struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Payload []byte    `json:"payload"`
	Attempt int       `json:"attempt"` // 1 on first delivery
	RunAt   time.Time `json:"runAt"`
}

// Handler processes a job. A nil error acknowledges it. An error wrapped with
// Permanent acknowledges it as failed. Any other error requests redelivery.
type Handler func(ctx context.Context, job *Job) error

// Queue delivers every enqueued job to its handler at least once, no earlier than
// requested. Deliveries are unordered and may overlap.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
	EnqueueAt(ctx context.Context, name string, payload []byte, at time.Time) error
	// Handle registers the handler for name. Call it before Start.
	Handle(name string, h Handler)
	Start(ctx context.Context) error
	// Stop stops delivering and waits for running handlers until ctx is done.
	Stop(ctx context.Context) error
}

// Logger is the logging interface used by queue implementations.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Cause() error  { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
