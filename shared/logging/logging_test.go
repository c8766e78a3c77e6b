package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    zerolog.Level
		wantErr bool
	}{
		{name: "empty defaults to info", input: "", want: zerolog.InfoLevel},
		{name: "debug", input: "debug", want: zerolog.DebugLevel},
		{name: "upper case", input: "WARN", want: zerolog.WarnLevel},
		{name: "unknown", input: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("chatty", FormatJSON)
	assert.ErrorContains(t, err, "unsupported log level")
}

func TestFallback(t *testing.T) {
	logger := Fallback()
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
