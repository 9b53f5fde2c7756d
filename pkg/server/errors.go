package server

import "errors"

var (
	ErrAlreadyStarted = errors.New("server has already started")
	ErrServerClosed   = errors.New("server is already closed")
)
