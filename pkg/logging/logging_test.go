package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := Setup(Settings{Level: "loud"}, nil)
	require.Error(t, err)
	_, err = Setup(Settings{Format: "xml"}, nil)
	require.Error(t, err)
}

func TestSetupWritesJSONToFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	f, err := os.Create(filepath.Join(t.TempDir(), "log.json"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	logger, err := Setup(Settings{Level: "debug", Format: "auto"}, f)
	require.NoError(t, err)
	logger.Debug().Str("k", "v").Msg("hello")

	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, "v", entry["k"])
}

func TestWatermillAdapterCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	a := NewWatermill(zerolog.New(&buf))
	a.With(watermill.LogFields{"topic": "chat.c1-"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "publish failed", entry["message"])
	require.Equal(t, "chat.c1-", entry["topic"])
	require.Equal(t, "watermill", entry["component"])
	require.Equal(t, "boom", entry["error"])
	require.EqualValues(t, 2, entry["attempt"])
}
