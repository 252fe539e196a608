package storage

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed is returned when the database cannot be opened
	ErrConnectionFailed = errors.New("connection failed")

	// ErrQueryFailed is returned when a query fails
	ErrQueryFailed = errors.New("query failed")

	// ErrBufferFull is returned when the write buffer is full
	ErrBufferFull = errors.New("buffer full")

	// ErrClosed is returned when attempting to use a closed ledger
	ErrClosed = errors.New("storage is closed")
)
