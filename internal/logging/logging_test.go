package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jogardn/gpedidos/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevel(t *testing.T) {
	logger, err := New(config.Logger{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = New(config.Logger{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, err = New(config.Logger{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesJSON(t *testing.T) {
	logger, err := New(config.Logger{Level: "info"})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("order_id", 7).Info("Order update sent")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Order update sent", entry["msg"])
	assert.Equal(t, float64(7), entry["order_id"])
}

func TestOutputToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	var buf bytes.Buffer

	w := Output(config.Logger{Path: path, MaxSizeMB: 1}, &buf)
	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
	assert.Equal(t, "line\n", buf.String())
}

func TestOutputWithoutPath(t *testing.T) {
	var buf bytes.Buffer
	assert.Same(t, &buf, Output(config.Logger{}, &buf))
}
