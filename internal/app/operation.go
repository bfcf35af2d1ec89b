package app

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation tracks the CLI command being run. Its ID tags every log entry
// written during the command.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
}

// NewOperation creates an operation with a fresh id.
func NewOperation(name string, parameters ...string) *Operation {
	return &Operation{
		ID:         uuid.New().String(),
		Name:       name,
		Parameters: strings.Join(parameters, " "),
		Status:     "success",
		StartedAt:  time.Now(),
	}
}

// Fail marks the operation as failed. Nil errors are ignored so callers can
// pass the result of a command unconditionally.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}
