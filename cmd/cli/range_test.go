package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		viper.Reset()
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPrintRange(t *testing.T) {
	var out bytes.Buffer
	printRange(&out, mustRange(t, "192.168.1.77", 26), false)

	assert.Equal(t, `Range:        192.168.1.64/26
Subnet mask:  255.255.255.192
Network:      192.168.1.64
Broadcast:    192.168.1.127
Addresses:    64
`, out.String())
}

func TestPrintRange_List(t *testing.T) {
	var out bytes.Buffer
	printRange(&out, mustRange(t, "10.0.0.6", 30), true)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.5", "10.0.0.6", "10.0.0.7"}, lines[6:])
}

func TestRangeCommand(t *testing.T) {
	out, err := executeCommand(t, "range", "172.16.5.1", "--mask", "99", "--list")
	require.NoError(t, err)

	assert.Contains(t, out, "Range:        172.16.5.1/32")
	assert.Contains(t, out, "Subnet mask:  255.255.255.255")
	assert.Contains(t, out, "Addresses:    1")
	assert.True(t, strings.HasSuffix(out, "\n172.16.5.1\n"))
}

func TestRangeCommand_InvalidAddress(t *testing.T) {
	_, err := executeCommand(t, "range", "300.1.1.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.starting_ip")
}
