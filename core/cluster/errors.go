package cluster

import "errors"

var (
	// Routing errors
	ErrTopologyUnavailable = errors.New("no server node found for cache")
	ErrNotOwner            = errors.New("node does not own partition")

	// Transport errors
	ErrTransportClosed = errors.New("transport closed")
	ErrNodeUnreachable = errors.New("node unreachable")

	// Storage errors
	ErrCacheRequired = errors.New("cache is required")
)
