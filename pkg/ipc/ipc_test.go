// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package ipc

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
)

func TestListen_Disabled(t *testing.T) {
	l, err := Listen(config.IPCConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestListen_RequiresSocketPath(t *testing.T) {
	_, err := Listen(config.IPCConfig{Enabled: true})
	assert.Error(t, err)
}

func TestDialAndReceive(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "loopctl.sock")
	l, err := Listen(config.IPCConfig{Enabled: true, SocketPath: sock})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, Dial(sock, Message{Kind: KindExecutionPending, ExecutionID: "exec-1"}))

	select {
	case msg := <-l.Messages():
		assert.Equal(t, KindExecutionPending, msg.Kind)
		assert.Equal(t, "exec-1", msg.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ipc message")
	}
}

func TestPingPong(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "loopctl.sock")
	l, err := Listen(config.IPCConfig{Enabled: true, SocketPath: sock})
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, Message{Kind: KindPing}))
	pong, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, KindPong, pong.Kind)
}
