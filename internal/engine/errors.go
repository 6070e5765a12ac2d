package engine

import "errors"

var (
	// ErrUnresolvedAddress is returned when a discovery response comes from
	// an address the directory does not know.
	ErrUnresolvedAddress = errors.New("originator address does not resolve to a node")
	// ErrUnmatchedSequence is returned for a probe response that matches no
	// outstanding probe.
	ErrUnmatchedSequence = errors.New("no outstanding probe matches response")
	ErrUnknownNode       = errors.New("unknown node")
	ErrProbeExpired      = errors.New("probe expired")
	ErrStopped           = errors.New("engine stopped")

	errOwnMessage = errors.New("message originated locally")
	errNotForUs   = errors.New("message addressed to another node")
)
