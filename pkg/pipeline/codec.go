package pipeline

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoded is what the pipeline needs to know about a signed payload.
type Decoded struct {
	Hash    string
	From    string
	To      string
	ChainID uint64
	// Nonce is nil when the payload leaves nonce assignment to the relayer.
	Nonce *uint64
}

// Codec checks the structure of a signed payload for one chain family.
// It never checks balances, fees or anything that needs chain state.
type Codec interface {
	Decode(raw []byte, policy chains.Policy) (*Decoded, error)
}

// EVMCodec decodes RLP or typed-envelope Ethereum transactions.
type EVMCodec struct{}

func (EVMCodec) Decode(raw []byte, policy chains.Policy) (*Decoded, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	v, r, s := tx.RawSignatureValues()
	if v == nil || r == nil || s == nil || (r.Sign() == 0 && s.Sign() == 0) {
		return nil, fmt.Errorf("transaction is not signed")
	}

	chainID := tx.ChainId()
	if chainID == nil || !chainID.IsUint64() || chainID.Uint64() != policy.ChainID {
		return nil, fmt.Errorf("chain id %v does not match %s (%d)", chainID, policy.Name, policy.ChainID)
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(policy.ChainID))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}

	nonce := tx.Nonce()
	d := &Decoded{
		Hash:    tx.Hash().Hex(),
		From:    strings.ToLower(from.Hex()),
		ChainID: policy.ChainID,
		Nonce:   &nonce,
	}
	if to := tx.To(); to != nil {
		d.To = strings.ToLower(to.Hex())
	}
	return d, nil
}

// Codecs maps a chain family to its codec.
type Codecs map[string]Codec

// DefaultCodecs returns the codecs for every supported family.
func DefaultCodecs() Codecs {
	return Codecs{chains.FamilyEVM: EVMCodec{}}
}
