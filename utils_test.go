package dispatch

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreePort(t *testing.T) {
	port, err := findFreePort()
	require.NoError(t, err)
	assert.Positive(t, port)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "port is released for the caller")
	l.Close()
}
