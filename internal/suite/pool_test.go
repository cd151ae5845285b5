// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package suite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corralhq/corral/internal/machine"
	"github.com/corralhq/corral/internal/suite"
	"github.com/corralhq/corral/testutil"
)

func writePool(t *testing.T, data string) string {
	t.Helper()
	td := testutil.TempDir(t)
	t.Cleanup(func() { os.RemoveAll(td) })
	p := filepath.Join(td, "pool.yaml")
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadPool(t *testing.T) {
	t.Parallel()
	p := writePool(t, `
platform: docker
location: local
workspace: /root
interpreter: python3
account:
  user: root
  password: hunter2
  key_file: /keys/id_rsa
machines:
  - role: primary
    image: corral/debian:12
  - role: peer
    image: corral/debian:12
    addr: 10.0.0.6
    port: 2222
`)

	got, err := suite.LoadPool(p)
	if err != nil {
		t.Fatal("LoadPool failed: ", err)
	}
	want := &suite.Pool{
		Platform:    "docker",
		Location:    "local",
		Workspace:   "/root",
		Interpreter: "python3",
		Account:     suite.Account{User: "root", Password: "hunter2", KeyFile: "/keys/id_rsa"},
		Machines: []suite.MachineConfig{
			{Role: "primary", Image: "corral/debian:12"},
			{Role: "peer", Image: "corral/debian:12", Addr: "10.0.0.6", Port: 2222},
		},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("LoadPool returned unexpected pool (-got +want):\n%s", diff)
	}
}

func TestLoadPoolValidation(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		data string
	}{
		{"no platform", "machines:\n  - role: primary\n"},
		{"no machines", "platform: docker\n"},
		{"unnamed role", "platform: docker\nmachines:\n  - image: img\n"},
		{"duplicate role", "platform: docker\nmachines:\n  - role: a\n  - role: a\n"},
		{"negative port", "platform: docker\nmachines:\n  - role: a\n    port: -1\n"},
		{"unknown field", "platform: docker\nbogus: 1\nmachines:\n  - role: a\n"},
	} {
		p := writePool(t, tc.data)
		if _, err := suite.LoadPool(p); err == nil {
			t.Errorf("LoadPool didn't fail for %s", tc.name)
		}
	}
}

func TestMachineSet(t *testing.T) {
	t.Parallel()
	p := &suite.Pool{
		Platform: "static",
		Machines: []suite.MachineConfig{
			{Role: "primary", Addr: "10.0.0.5"},
			{Role: "peer", Addr: "10.0.0.6", Port: 2222},
		},
	}
	got := p.MachineSet()
	// Addresses stay empty until the prober has verified reachability.
	want := machine.Set{
		{Role: "primary"},
		{Role: "peer", Port: 2222},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("MachineSet mismatch (-got +want):\n%s", diff)
	}
}

func TestMachineAccount(t *testing.T) {
	t.Parallel()
	p := &suite.Pool{
		Account: suite.Account{User: "tester", Password: "hunter2", KeyFile: "/k", KeyDir: "/d"},
	}
	got := p.MachineAccount()
	want := machine.Account{User: "tester", Password: "hunter2", KeyFile: "/k", KeyDir: "/d"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("MachineAccount mismatch (-got +want):\n%s", diff)
	}
}
