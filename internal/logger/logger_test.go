package logger

import (
	"os"
	"path/filepath"
	"testing"

	"presale-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presale.log")
	InitLogger(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	S().Infof("已连接 %s", "0xabc")
	L().Debug("balance refetch")
	_ = L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "已连接 0xabc")
	assert.Contains(t, string(data), "balance refetch")
}

func TestInitLoggerBadLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presale.log")
	InitLogger(models.LogConfig{Level: "loud", Output: "both", File: path})

	L().Debug("hidden")
	L().Info("shown")
	_ = L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
