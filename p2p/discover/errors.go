package discover

import "errors"

var (
	errTimeout    = errors.New("discover: ping timed out")
	errClosed     = errors.New("discover: transport closed")
	errBanned     = errors.New("discover: peer is banned")
	errBucketFull = errors.New("discover: bucket full, oldest member survived")
	errCoalesced  = errors.New("discover: request coalesced into an in-flight ping")
)
