// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command assists with implementing command-line programs.
package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DurationFlag implements flag.Value to store an integer duration supplied
// on the command line in the given units.
type DurationFlag struct {
	units time.Duration
	dst   *time.Duration
}

// NewDurationFlag returns a DurationFlag that will store a duration of
// units*<supplied value> in dst. dst is set to def immediately.
func NewDurationFlag(units time.Duration, dst *time.Duration, def time.Duration) *DurationFlag {
	*dst = def
	return &DurationFlag{units: units, dst: dst}
}

func (f *DurationFlag) String() string {
	// The flag package calls String on a zero-valued receiver when
	// printing defaults.
	if f.dst == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*f.dst/f.units), 10)
}

// Set parses v as an integer count of the flag's units.
func (f *DurationFlag) Set(v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*f.dst = time.Duration(n) * f.units
	return nil
}

// EnumFlag implements flag.Value for a flag that accepts one of a fixed set
// of string values, mapping it to an int.
type EnumFlag struct {
	valid  map[string]int
	assign EnumFlagAssignFunc
	def    string
}

// EnumFlagAssignFunc is called by EnumFlag to assign the mapped value.
type EnumFlagAssignFunc func(v int)

// NewEnumFlag returns an EnumFlag accepting the keys of valid and assigning
// the corresponding value through assign. def must be a key of valid; it is
// assigned immediately.
func NewEnumFlag(valid map[string]int, assign EnumFlagAssignFunc, def string) *EnumFlag {
	f := &EnumFlag{valid: valid, assign: assign, def: def}
	if err := f.Set(def); err != nil {
		panic(fmt.Sprintf("invalid default %q for enum flag", def))
	}
	return f
}

// Default returns the flag's default value.
func (f *EnumFlag) Default() string { return f.def }

// QuotedValues returns a comma-separated list of quoted values the flag
// accepts, for use in usage strings.
func (f *EnumFlag) QuotedValues() string {
	var qs []string
	for v := range f.valid {
		qs = append(qs, strconv.Quote(v))
	}
	sort.Strings(qs)
	return strings.Join(qs, ", ")
}

func (f *EnumFlag) String() string { return f.def }

// Set maps v to its int value and assigns it.
func (f *EnumFlag) Set(v string) error {
	val, ok := f.valid[v]
	if !ok {
		return fmt.Errorf("valid values are %s", f.QuotedValues())
	}
	f.assign(val)
	return nil
}

// ListFlag implements flag.Value for a flag holding a list of values
// separated by sep.
type ListFlag struct {
	sep    string
	assign ListFlagAssignFunc
	def    []string
}

// ListFlagAssignFunc is called by ListFlag to assign the parsed list.
type ListFlagAssignFunc func(vals []string)

// NewListFlag returns a ListFlag splitting the supplied value on sep and
// assigning the result through assign. def is assigned immediately.
func NewListFlag(sep string, assign ListFlagAssignFunc, def []string) *ListFlag {
	f := &ListFlag{sep: sep, assign: assign, def: def}
	f.assign(def)
	return f
}

func (f *ListFlag) String() string { return strings.Join(f.def, f.sep) }

// Set splits v and assigns the resulting list.
func (f *ListFlag) Set(v string) error {
	f.assign(strings.Split(v, f.sep))
	return nil
}

// RepeatedFlag implements flag.Value around a function that is called each
// time the flag is supplied.
type RepeatedFlag func(v string) error

func (f *RepeatedFlag) String() string { return "" }

// Set invokes the underlying function with v.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }
