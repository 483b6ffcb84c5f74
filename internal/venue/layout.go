package venue

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Offsets into the raw pool account of the AMM program.
const (
	PoolAccountSize = 752
	pubkeySize      = 32
	mintAOffset     = 400
	mintBOffset     = mintAOffset + pubkeySize
)

var ErrPoolLayout = errors.New("unexpected pool account layout")

// PoolLayout is the asset pair identity recovered from a pool account.
type PoolLayout struct {
	MintA string
	MintB string
}

func DecodePoolLayout(data []byte) (PoolLayout, error) {
	if len(data) != PoolAccountSize {
		return PoolLayout{}, fmt.Errorf("%w: %d bytes, want %d", ErrPoolLayout, len(data), PoolAccountSize)
	}
	return PoolLayout{
		MintA: base58.Encode(data[mintAOffset : mintAOffset+pubkeySize]),
		MintB: base58.Encode(data[mintBOffset : mintBOffset+pubkeySize]),
	}, nil
}

// Matches reports whether the pool trades the pair in either orientation.
func (p PoolLayout) Matches(input, output string) bool {
	return (p.MintA == input && p.MintB == output) || (p.MintA == output && p.MintB == input)
}
