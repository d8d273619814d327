package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-xfer/internal/errorkinds"
	"bluetooth-xfer/internal/events"
)

func TestLoopbackCommand(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	cfgPath := filepath.Join(tmp, "btxfer.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"log:\n  level: debug\n  outputs: [\""+filepath.Join(tmp, "btxfer.log")+"\"]\n"), 0o600))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, payload, 0o600))
	dir := filepath.Join(tmp, "in")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "loopback", src, "--dir", dir})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "File sent")
	assert.Contains(t, out.String(), "saved "+dir)

	matches, err := filepath.Glob(filepath.Join(dir, "recibido_*.bin"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	got, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	p.Publish(events.Status("Connected to desk"))
	p.Publish(events.ProgressOf(events.Progress{Direction: "send", BytesMoved: 512, TotalBytes: 2048}))
	p.Publish(events.ProgressOf(events.Progress{Direction: "receive", BytesMoved: 3 << 20, TotalBytes: -1}))
	p.Publish(events.StateOf("client", "Idle", "Discovering"))
	p.Publish(events.ErrorOf(errorkinds.CancelledError(nil)))

	assert.Equal(t, strings.Join([]string{
		"Connected to desk",
		"  sent 512 B / 2.0 KiB (25%)",
		"  received 3.0 MiB",
		"error: The transfer was cancelled.",
		"",
	}, "\n"), buf.String())

	buf.Reset()
	newPrinter(&buf, true).Publish(events.StateOf("client", "Idle", "Discovering"))
	assert.Equal(t, "[client] Idle -> Discovering\n", buf.String())
}

func TestReadIndex(t *testing.T) {
	var prompt bytes.Buffer
	i, err := readIndex(strings.NewReader("x\n7\n1\n"), &prompt, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, "enter 0..2: enter 0..2: ", prompt.String())

	_, err = readIndex(strings.NewReader(""), &prompt, 3)
	assert.Error(t, err)
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "0 B", humanBytes(0))
	assert.Equal(t, "1023 B", humanBytes(1023))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "5.0 MiB", humanBytes(5<<20))
}
