package syncstore

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoRemote       = errors.New("no remote service configured")
	ErrNotImplemented = errors.New("not implemented")
)
