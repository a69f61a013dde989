// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the bridge's periodic work so that
// the retry loop can be driven deterministically in tests. Production
// code injects [Real]; tests inject [NewFake] and step time forward
// with Advance.
package clock

import "time"

// Clock is the time surface used by the retry loop. Any production
// function that would call time.Now, time.After, time.Sleep, or
// time.NewTicker takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
