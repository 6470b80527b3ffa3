package models

import "errors"

// Error taxonomy shared by the loaders, feeds and the HTTP layer.
var (
	ErrUnknownTimeframe = errors.New("unknown timeframe")
	ErrNoData           = errors.New("no data")
	ErrTransport        = errors.New("transport error")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidBar       = errors.New("invalid bar")
	ErrSessionClosed    = errors.New("chart session closed")
)
