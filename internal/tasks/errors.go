package tasks

import (
	"errors"
	"net/http"
)

// Domain errors for task and page operations.
var (
	ErrNotFound         = errors.New("task not found")
	ErrPageNotFound     = errors.New("page not found")
	ErrDuplicate        = errors.New("task already exists")
	ErrInvalidTask      = errors.New("invalid task")
	ErrTaskTerminal     = errors.New("task already finished")
	ErrTaskNotClaimable = errors.New("task not owned by worker in expected state")
	ErrNotOwner         = errors.New("page not owned by worker")
	ErrPageTerminal     = errors.New("page already completed")
	ErrNoResult         = errors.New("task has no merged result")
	ErrFileTooLarge     = errors.New("file too large")
)

// MapHTTPStatus maps task domain errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPageNotFound), errors.Is(err, ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidTask):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
