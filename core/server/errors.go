package server

import "errors"

var (
	ErrMissingAddress       = errors.New("server address is required")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrListen               = errors.New("failed to listen")
	ErrFailedLoadCert       = errors.New("failed to load certificate")
	ErrShutdown             = errors.New("server shutdown error")
)
