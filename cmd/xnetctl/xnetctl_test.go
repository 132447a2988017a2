package main

import (
	"testing"

	"github.com/arloliu/go-xnet/xnet"
	"github.com/stretchr/testify/require"
)

func mustReply(t *testing.T, header byte, data ...byte) *xnet.Reply {
	t.Helper()

	r, err := xnet.NewReply(header, data...)
	require.NoError(t, err)

	return r
}

func TestDescribeReply(t *testing.T) {
	tests := []struct {
		name  string
		reply *xnet.Reply
		want  string
	}{
		{"ok", mustReply(t, 0x01, 0x04), "ok"},
		{"transfer error", mustReply(t, 0x61, 0x80), "transmission error"},
		{"power off", mustReply(t, 0x61, 0x00), "track power off"},
		{"estop", mustReply(t, 0x81, 0x00), "emergency stop"},
		{"cv result", mustReply(t, 0x63, 0x14, 0x01, 0x03), "CV1 = 3"},
		{"cv result 256", mustReply(t, 0x63, 0x14, 0x00, 0x07), "CV256 = 7"},
		{"short", mustReply(t, 0x61, 0x12), "short circuit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Contains(t, describeReply(tt.reply), tt.want)
		})
	}
}

func TestDescribeStatus(t *testing.T) {
	require.Equal(t, "normal", describeStatus(0x00))
	require.Equal(t, "emergency-off,service-mode", describeStatus(0x09))
}

func TestParseArgs(t *testing.T) {
	n, err := parseAccessory("21")
	require.NoError(t, err)
	require.Equal(t, 21, n)

	_, err = parseAccessory("0")
	require.Error(t, err)
	_, err = parseAccessory("1025")
	require.Error(t, err)

	cv, err := parseCV("256")
	require.NoError(t, err)
	require.Equal(t, 256, cv)

	_, err = parseCV("257")
	require.Error(t, err)
}

func TestOpenPort_RequiresInterface(t *testing.T) {
	rootCmd.SetArgs([]string{"query", "21"})
	err := rootCmd.Execute()
	require.ErrorContains(t, err, "one of --port, --addr or --url")
}
