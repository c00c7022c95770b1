package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		max     int
		wantErr error
	}{
		{"empty", 0, 10, ErrEmpty},
		{"at limit", 10, 10, nil},
		{"below limit", 3, 10, nil},
		{"over limit", 11, 10, ErrTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSize(make([]byte, tc.size), tc.max)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestValidatePacket(t *testing.T) {
	require.NoError(t, ValidatePacket(make([]byte, MaxPacket)))
	assert.ErrorIs(t, ValidatePacket(make([]byte, MaxPacket+1)), ErrTooLarge)
	assert.ErrorIs(t, ValidatePacket(nil), ErrEmpty)
}

func TestValidateSnapshot(t *testing.T) {
	require.NoError(t, ValidateSnapshot([]byte{1}))
	assert.ErrorIs(t, ValidateSnapshot(nil), ErrEmpty)
	assert.ErrorIs(t, ValidateSnapshot(make([]byte, MaxSnapshot+1)), ErrTooLarge)
}

func TestValidateDecodedSnapshot(t *testing.T) {
	assert.NoError(t, ValidateDecodedSnapshot(MaxDecodedSnapshot))
	assert.ErrorIs(t, ValidateDecodedSnapshot(0), ErrEmpty)
	assert.ErrorIs(t, ValidateDecodedSnapshot(MaxDecodedSnapshot+1), ErrTooLarge)
}

func TestErrorMessageContainsSizes(t *testing.T) {
	err := ValidateSize(make([]byte, 20), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20")
	assert.Contains(t, err.Error(), "10")
}
