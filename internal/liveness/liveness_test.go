package liveness

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAliveZeroPidIsDead(t *testing.T) {
	alive, err := Alive(0)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestAliveSelfPidIsAlive(t *testing.T) {
	alive, err := Alive(uint64(os.Getpid()))
	require.NoError(t, err)
	require.True(t, alive)
}

func TestAliveReapedChildIsDead(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	alive, err := Alive(uint64(cmd.Process.Pid))
	require.NoError(t, err)
	require.False(t, alive)
}
