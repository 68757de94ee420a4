// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package perrors defines the error kinds shared by every profiler
// component, and helpers for wrapping driver/call-site errors around them.
package perrors

import "github.com/pkg/errors"

// Kind is the type for the sentinel error values returned across the
// profiler's creation and extension-surface paths. Recording and submit
// hot paths never return a Kind to the caller; they degrade silently
// instead (see the recorder and query packages).
type Kind string

// Error implements error for Kind, returning the string value of the kind.
func (k Kind) Error() string { return string(k) }

const (
	// InvalidHandle is returned when a dispatchable or non-dispatchable
	// handle is not known to the registry that was asked to resolve it.
	InvalidHandle = Kind("invalid-handle")
	// NotReady is returned for a resource or result that has not been
	// produced yet, such as frame data before the first delimiter.
	NotReady = Kind("not-ready")
	// ValidationFailed is returned when caller-supplied parameters are
	// rejected, such as an out-of-range metrics-set index.
	ValidationFailed = Kind("validation-failed")
	// Unsatisfiable is returned when a requested combination cannot be
	// realized, such as a custom counter set needing more than one pass.
	Unsatisfiable = Kind("unsatisfiable")
	// OutOfMemory is returned when a driver or host allocation fails.
	OutOfMemory = Kind("out-of-memory")
	// InitializationFailed is returned when a dependency required during
	// creation could not be brought up.
	InitializationFailed = Kind("initialization-failed")
	// FeatureNotPresent is returned when the requested capability is not
	// available on the active device.
	FeatureNotPresent = Kind("feature-not-present")
	// DriverIncompatible is returned when a vendor counter backend failed
	// to load.
	DriverIncompatible = Kind("driver-incompatible")
	// Internal marks an assertion-worthy condition; it should never be
	// returned for caller-correctable input.
	Internal = Kind("internal")
)

// Is reports whether err is, or wraps, the given Kind.
func Is(err error, k Kind) bool {
	return errors.Is(err, k)
}

// Wrap annotates err with message, preserving the underlying Kind for Is.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message, preserving the underlying
// Kind for Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
