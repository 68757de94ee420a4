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

package api

import "github.com/google/uuid"

// Storage tags which field of CounterValue is populated, mirroring the
// {i32,i64,u32,u64,f32,f64} union of spec §6 "Counter scalar union".
type Storage int

const (
	StorageI32 Storage = iota
	StorageI64
	StorageU32
	StorageU64
	StorageF32
	StorageF64
)

// CounterValue is a tagged scalar union.
type CounterValue struct {
	Storage Storage
	I32     int32
	I64     int64
	U32     uint32
	U64     uint64
	F32     float32
	F64     float64
}

// AsFloat64 widens the active field to a float64, for use by the
// aggregator's extensive/intensive accumulators which only need a uniform
// numeric representation.
func (v CounterValue) AsFloat64() float64 {
	switch v.Storage {
	case StorageI32:
		return float64(v.I32)
	case StorageI64:
		return float64(v.I64)
	case StorageU32:
		return float64(v.U32)
	case StorageU64:
		return float64(v.U64)
	case StorageF32:
		return float64(v.F32)
	case StorageF64:
		return float64(v.F64)
	}
	return 0
}

// Unit classifies a counter for the aggregator's weighting rule (spec
// §4.7): Extensive units sum; Intensive units duration-weight-average.
type Unit int

const (
	UnitGeneric Unit = iota
	UnitBytes
	UnitCycles
	UnitNanoseconds
	UnitHertz
	UnitPercent
	UnitKelvin
	UnitWatts
	UnitVolts
	UnitAmps
	UnitBytesPerSecond
)

// Extensive reports whether a counter of this Unit aggregates by sum
// ("extensive": bytes, cycles, nanoseconds, generic; true) or by
// duration-weighted average ("intensive": Hz, %, °K, W, V, A, B/s; false).
func (u Unit) Extensive() bool {
	switch u {
	case UnitBytes, UnitCycles, UnitNanoseconds, UnitGeneric:
		return true
	}
	return false
}

// CounterFlags are per-counter boolean attributes reported alongside
// MetricProperties (e.g. whether the counter is "informational only").
type CounterFlags uint32

const (
	FlagNone CounterFlags = 0
	FlagInfo CounterFlags = 1 << iota
)

// MetricProperties describes one counter within a metrics set (spec §6
// "enumerate metrics").
type MetricProperties struct {
	ShortName   string
	Category    string
	Description string
	Unit        Unit
	Storage     Storage
	UUID        uuid.UUID
	Flags       CounterFlags
}

// MetricsSetDescriptor describes one selectable metrics set (spec §6
// "enumerate metrics sets").
type MetricsSetDescriptor struct {
	Name         string
	MetricsCount int
}
