package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", "json")
	l.Info().Msg("hidden")
	l.Warn().Str("component", "test").Msg("shown")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"component":"test"`)
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "loud", "")
	l.Debug().Msg("debug")
	l.Info().Msg("info")
	require.NotContains(t, buf.String(), `"debug"`)
	require.Contains(t, buf.String(), `"message":"info"`)
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", "console")
	l.Info().Msg("hello console")
	require.Contains(t, buf.String(), "hello console")
	require.NotContains(t, buf.String(), `"message"`)
}
