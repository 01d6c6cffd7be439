package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	file := filepath.Join(t.TempDir(), "footfall.log")

	log, err := Setup(Options{Level: "debug", File: file, NoColor: true})
	require.NoError(t, err)
	assert.Same(t, Get(), log)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	With(Fields{"run": "abc"}).Info("hello")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "abc")

	// Later calls keep the first configuration.
	_, err = Setup(Options{Level: "not-a-level"})
	assert.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, Get().GetLevel())
}
