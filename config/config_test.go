package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	require.Equal(t, consts.ErrInvalidConfig, Read("invalid_config_path.yaml"))
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "magmerge.yaml")
	require.NoError(t, os.WriteFile(p, []byte("general_log_level: debug\nmerge_batch_size: 250\n"), 0600))
	require.NoError(t, Read(p))
	require.Equal(t, 250, GetInt(MergeBatchSize))
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.False(t, GetBool(MergeFast))
}

func TestLogger(t *testing.T) {
	err := setupLogger("invalid", false)
	require.Error(t, err)
	require.True(t, errors.Is(err, consts.ErrInvalidConfig))
	require.NoError(t, setupLogger("warn", false))
	require.Equal(t, log.WarnLevel, log.GetLevel())
}
