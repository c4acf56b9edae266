package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: " DEBUG ", want: slog.LevelDebug},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestConfigureWriterFiltersByLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, ConfigureWriter(&buf, LevelWarn))

	slog.Info("Hidden.")
	slog.With("component", "cluster").Warn("Node slow.", "node", 2)

	out := buf.String()
	require.NotContains(t, out, "Hidden.")
	require.Contains(t, out, `msg="Node slow."`)
	require.Contains(t, out, "component=cluster")
	require.Contains(t, out, "node=2")
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	require.Error(t, Configure("loud"))
}
