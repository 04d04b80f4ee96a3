package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("warn")
	assert.Equal(t, zerolog.WarnLevel, Logger().GetLevel())

	// Unknown levels leave the logger untouched.
	SetLevel("chatty")
	assert.Equal(t, zerolog.WarnLevel, Logger().GetLevel())
}

func TestSetupLoggerKeepsConfiguredLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("warn")
	path := filepath.Join(t.TempDir(), "imagetrace.log")
	require.NoError(t, SetupLogger(path))
	defer CloseLogger()

	assert.Equal(t, zerolog.WarnLevel, Logger().GetLevel())

	// Levels set after file setup take effect too.
	SetLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, Logger().GetLevel())

	LogInfo("written to %s", path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
