// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// A Clock provides the current time to the core.
//
// ApproximateNow may return a cached value of Now, for code paths
// that call it often and can tolerate some imprecision.
type Clock interface {
	Now() time.Time
	ApproximateNow() time.Time
}

// An Alarm is a single-shot timer created by an AlarmFactory.
//
// Alarms are idempotent: calling Set while already set reschedules
// rather than double-fires, and Cancel on an unset alarm is a no-op.
type Alarm interface {
	Set(deadline time.Time)
	Cancel()
	IsSet() bool
}

// An AlarmFactory creates Alarms that invoke fn on the connection's
// single-threaded event loop when they fire.
type AlarmFactory interface {
	NewAlarm(fn func(now time.Time)) Alarm
}

// systemClock is the production Clock, backed by the runtime clock.
type systemClock struct{}

func (systemClock) Now() time.Time            { return time.Now() }
func (systemClock) ApproximateNow() time.Time { return time.Now() }

// SystemClock is the default Clock used when a Config does not
// supply one.
var SystemClock Clock = systemClock{}
