// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time so that deadline, grace-period
// and sweep logic can be driven deterministically in tests.
//
// Production code receives [Real]. Tests construct a [FakeClock] with
// [Fake] and move time forward explicitly with [FakeClock.Advance]:
//
//	fakeClock := clock.Fake(time.Unix(1735689600, 0))
//	dispatcher := dispatch.New(registry, dispatch.Config{Clock: fakeClock})
//	fakeClock.Advance(5 * time.Second)
//
// Components that run periodic loops (the dispatcher sweeper, the
// bridge expiry loop) create their tickers through the Clock, so a test
// can call [FakeClock.WaitForTimers] to know the loop is parked before
// advancing.
package clock
