// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package suite

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/corralhq/corral/errors"
	"github.com/corralhq/corral/internal/machine"
)

// Pool describes the machines a suite runs against and how to reach them.
type Pool struct {
	// Platform selects the deployment backend, such as "docker" or
	// "static". Platform-specific machine fields are validated by the
	// backend itself.
	Platform string `yaml:"platform"`
	// Location is the backend location hint. Empty selects the platform
	// default.
	Location string `yaml:"location"`
	// Workspace overrides the working directory on the machines.
	Workspace string `yaml:"workspace"`
	// Interpreter overrides the interpreter for interpreted scripts on the
	// machines.
	Interpreter string `yaml:"interpreter"`
	// Account holds the credentials for remote operations.
	Account Account `yaml:"account"`
	// Machines lists the pool's machines. The first entry is the primary
	// target.
	Machines []MachineConfig `yaml:"machines"`
}

// Account is the YAML form of machine.Account.
type Account struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
	KeyDir   string `yaml:"key_dir"`
}

// MachineConfig declares one machine of the pool.
type MachineConfig struct {
	// Role is the logical name tests refer to the machine by.
	Role string `yaml:"role"`
	// Image names the backend image the machine is provisioned from.
	Image string `yaml:"image"`
	// Addr is the fixed address of a pre-provisioned machine.
	Addr string `yaml:"addr"`
	// Port is the remote command port. Zero means the SSH default.
	Port int `yaml:"port"`
}

// LoadPool reads a machine pool definition from the YAML file at path and
// validates it.
func LoadPool(path string) (*Pool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pool
	if err := yaml.UnmarshalStrict(b, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if err := p.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid pool %s", path)
	}
	return &p, nil
}

func (p *Pool) validate() error {
	if p.Platform == "" {
		return errors.New("pool has no platform")
	}
	if len(p.Machines) == 0 {
		return errors.New("pool declares no machines")
	}
	seen := make(map[string]struct{})
	for i, mc := range p.Machines {
		if mc.Role == "" {
			return errors.Errorf("machine #%d has no role", i+1)
		}
		if _, ok := seen[mc.Role]; ok {
			return errors.Errorf("role %q is declared twice", mc.Role)
		}
		seen[mc.Role] = struct{}{}
		if mc.Port < 0 {
			return errors.Errorf("machine %q has negative port %d", mc.Role, mc.Port)
		}
	}
	return nil
}

// MachineSet returns fresh descriptors for the pool's machines. Addresses
// are left empty; the readiness prober discovers them through the backend so
// that even pre-provisioned machines get a reachability check.
func (p *Pool) MachineSet() machine.Set {
	ms := make(machine.Set, len(p.Machines))
	for i, mc := range p.Machines {
		ms[i] = &machine.Machine{Role: mc.Role, Port: mc.Port}
	}
	return ms
}

// MachineAccount returns the pool credentials as a machine.Account.
func (p *Pool) MachineAccount() machine.Account {
	return machine.Account{
		User:     p.Account.User,
		Password: p.Account.Password,
		KeyFile:  p.Account.KeyFile,
		KeyDir:   p.Account.KeyDir,
	}
}
