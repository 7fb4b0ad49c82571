package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configTest = `
[bus]
interface = virtualcan
channel = localhost:18888
tx_queue = 16

[sdo]
timeout_ms = 25

[scanner]
enabled = true
start = 2
end = 10
probe_timeout_ms = 250

[firmware]
max_page_retries = 8

[engine]
tick_ms = 2

[log]
level = debug
`

func TestLoad(t *testing.T) {
	config, err := Load([]byte(configTest))
	require.Nil(t, err)
	assert.Equal(t, "virtualcan", config.Bus.Interface)
	assert.Equal(t, "localhost:18888", config.Bus.Channel)
	assert.Equal(t, 500000, config.Bus.Bitrate)
	assert.Equal(t, 16, config.Bus.TxQueue)
	assert.Equal(t, 25*time.Millisecond, config.Engine.SdoTimeout)
	assert.Equal(t, 500*time.Millisecond, config.Engine.AsyncWriteTimeout)
	assert.True(t, config.Scanner.Enabled)
	assert.EqualValues(t, 2, config.Scanner.Start)
	assert.EqualValues(t, 10, config.Scanner.End)
	assert.Equal(t, 250*time.Millisecond, config.Engine.ScanProbeTimeout)
	assert.Equal(t, 50*time.Millisecond, config.Engine.ScanStepInterval)
	assert.Equal(t, 8, config.Engine.MaxPageRetries)
	assert.Equal(t, 5*time.Second, config.Engine.InactivityTimeout)
	assert.Equal(t, 2*time.Millisecond, config.Engine.Tick)
	assert.Equal(t, 32, config.Engine.CommandQueue)
	assert.Equal(t, log.DebugLevel, config.LogLevel)
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load([]byte(""))
	require.Nil(t, err)
	assert.Equal(t, Default(), config)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canbridge.ini")
	require.Nil(t, os.WriteFile(path, []byte(configTest), 0o644))
	config, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, "virtualcan", config.Bus.Interface)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load([]byte("[scanner]\nstart = 10\nend = 2\n"))
	assert.Error(t, err)
	_, err = Load([]byte("[log]\nlevel = loud\n"))
	assert.Error(t, err)
}
