package tron

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress_RoundTrip(t *testing.T) {
	inputs := []string{
		"TFfagVe1aZpSfYaruY6xJfVPYZBuMj57FH",
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
	}
	for _, in := range inputs {
		addr, err := ParseAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, addr.String())
		assert.Equal(t, byte(addressPrefix), addr[0])
		assert.Len(t, addr.Hex(), AddressLength*2)
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad base58 char", "TFfagVe1aZpSfYaruY6xJfVPYZBuMj570O"},
		{"corrupted checksum", "TFfagVe1aZpSfYaruY6xJfVPYZBuMj57FG"},
		{"truncated", "TFfagVe1aZpSf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAddress(tt.input)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestAddress_EVMConversion(t *testing.T) {
	addr, err := ParseAddress("TFfagVe1aZpSfYaruY6xJfVPYZBuMj57FH")
	require.NoError(t, err)

	evm := addr.EVM()
	back := FromEVM(evm)
	assert.Equal(t, addr, back)
	assert.Equal(t, addr.String(), back.String())
}

func TestFromEVM_Prefix(t *testing.T) {
	evm := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	addr := FromEVM(evm)
	assert.Equal(t, byte(0x41), addr[0])
	assert.Equal(t, evm, addr.EVM())
}
