package task

import "errors"

var (
	// ErrTaskNotFound is returned when a task does not exist or has been reaped.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueEmpty is returned by ClaimNextJob when no job is waiting.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrNoImages is returned when a task is submitted without images.
	ErrNoImages = errors.New("task has no images")

	// ErrInvalidJobIndex is returned when a job index is outside the task.
	ErrInvalidJobIndex = errors.New("invalid job index")
)
