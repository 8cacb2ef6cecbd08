// Package timeutil provides an injectable time source so that cache
// freshness checks can be tested without sleeping.
package timeutil

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock.Clock used by this module.
type Clock = clock.Clock

// New returns the real wall-clock implementation.
func New() Clock {
	return clock.New()
}
