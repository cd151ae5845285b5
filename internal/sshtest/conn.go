// Copyright 2025 The Corral Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/shutil"
	"github.com/corralhq/corral/ssh"
)

var staticUserKey, staticHostKey *rsa.PrivateKey
var onceGenerateStaticKeys sync.Once

func staticKeys() (userKey, hostKey *rsa.PrivateKey) {
	onceGenerateStaticKeys.Do(func() {
		staticUserKey, staticHostKey = MustGenerateKeys()
	})
	return staticUserKey, staticHostKey
}

// ConnectToServer establishes a connection to srv using key.
// base is used as a base set of options.
func ConnectToServer(ctx context.Context, srv *SSHServer, key *rsa.PrivateKey, base *ssh.Options) (*ssh.Conn, error) {
	keyFile, err := WriteKey(key)
	if err != nil {
		return nil, err
	}
	defer os.Remove(keyFile)

	o := *base
	o.KeyFile = keyFile
	if err = ssh.ParseTarget(srv.Addr().String(), &o); err != nil {
		return nil, err
	}
	s, err := ssh.New(ctx, &o)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ExecServer starts an SSH server backed by handler and returns its address
// together with the path of a private key it accepts. The server and the key
// file are cleaned up when the test finishes.
func ExecServer(t *testing.T, handler ExecHandler) (host string, port int, keyFile string) {
	t.Helper()
	userKey, hostKey := staticKeys()

	srv, err := NewSSHServer(&userKey.PublicKey, hostKey, handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	keyFile, err = WriteKey(userKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(keyFile) })

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if port, err = strconv.Atoi(portStr); err != nil {
		t.Fatal(err)
	}
	return host, port, keyFile
}

// TimeoutType describes different types of timeouts that can be simulated during SSH "exec" requests.
type TimeoutType int

const (
	// NoTimeout indicates that TestData.Ctx shouldn't be canceled.
	NoTimeout TimeoutType = iota
	// StartTimeout indicates that TestData.Ctx should be canceled before the command starts.
	StartTimeout
	// EndTimeout indicates that TestData.Ctx should be canceled after the command runs but before its status is returned.
	EndTimeout
)

// TestData owns a local SSH server together with a connection to it, and
// wraps data common to tests exercising remote commands.
type TestData struct {
	Srv *SSHServer // local SSH server
	// Hst is a connection to Srv.
	Hst *ssh.Conn

	// Ctx is used for performing operations using Hst.
	Ctx context.Context
	// Cancel cancels Ctx to simulate a timeout.
	Cancel func()

	// ExecTimeout directs how "exec" requests should time out.
	ExecTimeout TimeoutType
}

// NewTestData sets up a local SSH server and a connection to it, and
// returns them together as a TestData struct.
// Caller must call Close after use.
func NewTestData(t *testing.T) *TestData {
	td := &TestData{}
	td.Ctx, td.Cancel = context.WithCancel(context.Background())

	userKey, hostKey := staticKeys()

	var err error
	if td.Srv, err = NewSSHServer(&userKey.PublicKey, hostKey, td.handleExec); err != nil {
		t.Fatal(err)
	}

	if td.Hst, err = ConnectToServer(td.Ctx, td.Srv, userKey, &ssh.Options{}); err != nil {
		td.Srv.Close()
		t.Fatal(err)
	}

	return td
}

// Close releases resources associated with td.
func (td *TestData) Close() {
	td.Srv.Close()
	td.Hst.Close(td.Ctx)
	td.Cancel()
}

// handleExec handles an SSH "exec" request sent to td.Srv by executing the requested command.
func (td *TestData) handleExec(req *ExecReq) {
	// PutFiles sends multiple "exec" requests.
	// Ignore its initial "sha1sum" so we can hang during the tar command instead.
	ignoreTimeout := strings.HasPrefix(req.Cmd, "sha1sum ")

	// If a timeout was requested, cancel the context and then sleep for an arbitrary-but-long
	// amount of time to make sure that the client sees the expired context before the command
	// actually runs.
	if td.ExecTimeout == StartTimeout && !ignoreTimeout {
		td.Cancel()
		time.Sleep(time.Minute)
	}
	req.Start(true)

	var status int
	switch req.Cmd {
	case shellCmd("", []string{"long_sleep"}):
		time.Sleep(time.Hour)
	default:
		status = req.RunRealCmd()
	}

	if td.ExecTimeout == EndTimeout && !ignoreTimeout {
		td.Cancel()
		time.Sleep(time.Minute)
	}
	req.End(status)
}

// shellCmd builds a shell command string to execute a process with exec.
// It matches the command string built by ssh.DefaultPlatform.
func shellCmd(dir string, args []string) string {
	cmd := "exec " + shutil.EscapeSlice(args)
	if dir != "" {
		// Return 125 (chosen arbitrarily) if dir does not exist.
		cmd = fmt.Sprintf("cd %s > /dev/null 2>&1 || exit 125; %s", shutil.Escape(dir), cmd)
	}
	return cmd
}
