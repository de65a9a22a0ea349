package client

import "errors"

// Validation errors. They are returned by Submit and Predict before any job
// is started.
var (
	ErrEndpointNotFound   = errors.New("endpoint not found")
	ErrAmbiguousEndpoint  = errors.New("ambiguous endpoint")
	ErrHiddenEndpoint     = errors.New("endpoint is not exposed to the API")
	ErrArgumentCount      = errors.New("wrong number of arguments")
	ErrContinuousEndpoint = errors.New("endpoint runs continuously")
)

// ErrClientClosed is returned by Submit after Close
var ErrClientClosed = errors.New("client is closed")
