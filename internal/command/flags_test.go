// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command_test

import (
	"flag"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/corralhq/corral/internal/command"
)

func TestDurationFlag(t *testing.T) {
	for _, tc := range []struct {
		units time.Duration // units for flag
		args  []string      // args to parse
		def   time.Duration // default value for flag
		exp   time.Duration // expected value
	}{
		{time.Second, []string{}, 0, 0},
		{time.Second, []string{}, 10 * time.Second, 10 * time.Second},
		{time.Second, []string{"-flag=5"}, 0, 5 * time.Second},
		{time.Minute, []string{"-flag=2"}, 0, 2 * time.Minute},
		{time.Millisecond, []string{"-flag=200"}, 0, 200 * time.Millisecond},
	} {
		var d time.Duration
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Var(command.NewDurationFlag(tc.units, &d, tc.def), "flag", "usage")

		if err := fs.Parse(tc.args); err != nil {
			t.Errorf("%v produced error: %v", tc.args, err)
		} else if d != tc.exp {
			t.Errorf("%v resulted in %v; want %v", tc.args, d, tc.exp)
		}
	}
}

func ExampleDurationFlag() {
	var dest time.Duration
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Var(command.NewDurationFlag(time.Second, &dest, 5*time.Second), "flag", "usage")

	// When the flag isn't supplied, the default is used.
	flags.Parse([]string{})
	fmt.Println("no flag:", dest)

	// When the flag is supplied, it's interpreted as an integer duration using the supplied units.
	flags.Parse([]string{"-flag=10"})
	fmt.Println("flag:", dest)

	// Output:
	// no flag: 5s
	// flag: 10s
}

func TestEnumFlag(t *testing.T) {
	type mode int
	const (
		modeFresh mode = iota
		modeReuse
		modeRestore
	)

	for _, tc := range []struct {
		args   []string // args to parse
		def    string   // default value for flag
		exp    mode     // expected value
		expErr bool     // if true, error is expected
	}{
		{[]string{}, "fresh", modeFresh, false},
		{[]string{"-flag=fresh"}, "fresh", modeFresh, false},
		{[]string{"-flag=reuse"}, "fresh", modeReuse, false},
		{[]string{"-flag=restore"}, "fresh", modeRestore, false},
		{[]string{"-flag=bogus"}, "fresh", modeFresh, true},
		{[]string{"-flag"}, "fresh", modeFresh, true},
	} {
		valid := map[string]int{"fresh": int(modeFresh), "reuse": int(modeReuse), "restore": int(modeRestore)}
		val := mode(-1)
		f := func(v int) { val = mode(v) }
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Var(command.NewEnumFlag(valid, f, tc.def), "flag", "usage")

		if err := fs.Parse(tc.args); err != nil && !tc.expErr {
			t.Errorf("%v produced error: %v", tc.args, err)
		} else if err == nil && tc.expErr {
			t.Errorf("%v didn't produce expected error", tc.args)
		} else if val != tc.exp {
			t.Errorf("%v resulted in %v; want %v", tc.args, val, tc.exp)
		}
	}
}

func TestEnumFlagQuotedValues(t *testing.T) {
	valid := map[string]int{"fresh": 0, "reuse": 1, "restore": 2}
	f := command.NewEnumFlag(valid, func(int) {}, "reuse")
	if qv, want := f.QuotedValues(), `"fresh", "restore", "reuse"`; qv != want {
		t.Errorf("QuotedValues() = %q; want %q", qv, want)
	}
	if def, want := f.Default(), "reuse"; def != want {
		t.Errorf("Default() = %q; want %q", def, want)
	}
}

func ExampleEnumFlag() {
	type enum int
	const (
		foo enum = 1
		bar      = 2
	)

	var dest enum
	valid := map[string]int{"foo": int(foo), "bar": int(bar)}
	assign := func(v int) { dest = enum(v) }
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Var(command.NewEnumFlag(valid, assign, "foo"), "flag", "usage")

	// When the flag isn't supplied, the default is used.
	flags.Parse([]string{})
	fmt.Println("no flag:", dest)

	// When a value is supplied, it's converted to the corresponding enum value.
	flags.Parse([]string{"-flag=bar"})
	fmt.Println("flag:", dest)

	// Output:
	// no flag: 1
	// flag: 2
}

func TestListFlag(t *testing.T) {
	for _, tc := range []struct {
		sep  string   // separator to use
		args []string // args to parse
		def  []string // default value for flag
		exp  []string // expected values
	}{
		{",", []string{}, nil, nil},
		{",", []string{}, []string{"net_check", "throughput"}, []string{"net_check", "throughput"}},
		{",", []string{"-flag=net_check"}, nil, []string{"net_check"}},
		{",", []string{"-flag=net_check,throughput"}, nil, []string{"net_check", "throughput"}},
		{",", []string{"-flag=net_check,throughput"}, []string{"default"}, []string{"net_check", "throughput"}},
		{" ", []string{"-flag=net_check throughput"}, []string{"default"}, []string{"net_check", "throughput"}},
		{":", []string{"-flag=net_check:throughput"}, []string{"default"}, []string{"net_check", "throughput"}},
	} {
		var vals []string
		f := func(v []string) { vals = v }
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Var(command.NewListFlag(tc.sep, f, tc.def), "flag", "usage")

		if err := fs.Parse(tc.args); err != nil {
			t.Errorf("%v produced error: %v", tc.args, err)
		} else if !reflect.DeepEqual(vals, tc.exp) {
			t.Errorf("%v resulted in %v; want %v", tc.args, vals, tc.exp)
		}
	}
}

func ExampleListFlag() {
	var dest []string
	assign := func(v []string) { dest = v }
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Var(command.NewListFlag(",", assign, []string{"a", "b"}), "flag", "usage")

	// When the flag isn't supplied, the default is used.
	flags.Parse([]string{})
	fmt.Println("no flag:", dest)

	// When the flag is supplied, its value is split into a slice.
	flags.Parse([]string{"-flag=c,d,e"})
	fmt.Println("flag:", dest)

	// Output:
	// no flag: [a b]
	// flag: [c d e]
}

func TestRepeatedFlagError(t *testing.T) {
	rf := command.RepeatedFlag(func(v string) error {
		return fmt.Errorf("bad value %q", v)
	})
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&rf, "flag", "usage")

	if err := fs.Parse([]string{"-flag=oops"}); err == nil {
		t.Error("Parse didn't propagate the flag function's error")
	}
}

func ExampleRepeatedFlag() {
	var dest []string
	rf := command.RepeatedFlag(func(v string) error {
		dest = append(dest, v)
		return nil
	})
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.Var(&rf, "flag", "usage")

	// When the flag isn't supplied, the slice is unchanged.
	flags.Parse([]string{})
	fmt.Println("no flag:", dest)

	// The function is called each time the flag is provided.
	flags.Parse([]string{"-flag=role=primary", "-flag=count=3"})
	fmt.Println("flag:", dest)

	// Output:
	// no flag: []
	// flag: [role=primary count=3]
}
