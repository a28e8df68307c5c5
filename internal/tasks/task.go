// Package tasks runs fire-and-forget background work such as confirmation
// emails. Producers only enqueue; failures never reach the request that
// triggered the task.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SendPaymentConfirmationEmail mails the customer after a settled payment
const SendPaymentConfirmationEmail = "payments.send_confirmation_email"

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
	ErrUnknownTask = errors.New("no handler registered for task")
)

// Task is a named unit of background work with a JSON payload
type Task struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// NewTask marshals payload into a task
func NewTask(name string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Task{Name: name, Payload: raw}, nil
}

// Queue accepts tasks for asynchronous execution
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler executes one task. Returning an error asks for a retry.
type Handler func(ctx context.Context, task Task) error
