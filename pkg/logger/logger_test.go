package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "trader.log")
	var console bytes.Buffer

	require.NoError(t, InitWithWriter(Config{Level: "debug", OutputFile: path, NoColor: true}, &console))
	t.Cleanup(func() { _ = Close() })

	logrus.WithField("component", "test").Info("hello")
	Debugf("debug %d", 1)

	assert.Contains(t, console.String(), "hello")
	assert.Contains(t, console.String(), "component=test")
	assert.Contains(t, console.String(), "debug 1")
	assert.Equal(t, path, GetCurrentLogFile())

	require.NoError(t, Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var console bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "loud", JSON: true}, &console))

	Debugf("hidden")
	Infof("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), `"msg":"shown"`)
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
