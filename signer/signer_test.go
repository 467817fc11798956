package signer

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	nodeSigner, err := NewSigner(key)
	require.NoError(t, err)

	payload := []byte("bid|1|137|0xtoken|5000|100|200")

	signature, err := nodeSigner.Sign(payload)
	require.NoError(t, err)
	require.Len(t, signature, 65)

	recovered, err := RecoverSigner(payload, signature)
	require.NoError(t, err)
	require.Equal(t, nodeSigner.Address(), recovered)

	t.Run("different payload recovers a different address", func(t *testing.T) {
		recovered, err := RecoverSigner([]byte("something else"), signature)
		require.NoError(t, err)
		require.NotEqual(t, nodeSigner.Address(), recovered)
	})

	t.Run("truncated signature fails", func(t *testing.T) {
		_, err := RecoverSigner(payload, signature[:64])
		require.Error(t, err)
	})
}

func TestNewSignerFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	fromHex, err := NewSignerFromHex(hexKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), fromHex.Address())

	t.Run("0x prefix is accepted", func(t *testing.T) {
		fromPrefixed, err := NewSignerFromHex("0x" + hexKey)
		require.NoError(t, err)
		require.Equal(t, fromHex.Address(), fromPrefixed.Address())
	})

	t.Run("garbage key fails", func(t *testing.T) {
		_, err := NewSignerFromHex("zz")
		require.Error(t, err)
	})
}
