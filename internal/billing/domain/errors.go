package domain

import "errors"

var (
	ErrRecurrenceNotFound = errors.New("recurrence_not_found")
	ErrInvalidRecurrence  = errors.New("invalid_recurrence")
	ErrRecurrenceExists   = errors.New("recurrence_exists")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
)
