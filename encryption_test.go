package tkey

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	curve := NewSecp256k1Curve()
	priv, err := curve.ScalarRandom()
	require.NoError(t, err)
	pub := curve.BasePoint().Mul(priv)

	msg := []byte(`{"share":"secret"}`)
	enc, err := Encrypt(pub, msg)
	require.NoError(t, err)
	require.Len(t, enc.IV, 24)
	require.Len(t, enc.Mac, 32)
	require.Len(t, enc.EphemPublicKey, 130)

	plain, err := Decrypt(priv, enc)
	require.NoError(t, err)
	require.Equal(t, msg, plain)

	again, err := Encrypt(pub, msg)
	require.NoError(t, err)
	require.NotEqual(t, enc.Ciphertext+enc.IV, again.Ciphertext+again.IV, "every encryption uses a fresh ephemeral key and nonce")
}

func TestDecryptFailures(t *testing.T) {
	curve := NewSecp256k1Curve()
	priv, err := curve.ScalarRandom()
	require.NoError(t, err)
	other, err := curve.ScalarRandom()
	require.NoError(t, err)
	enc, err := Encrypt(curve.BasePoint().Mul(priv), []byte("payload"))
	require.NoError(t, err)

	_, err = Decrypt(other, enc)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	tampered := *enc
	mac, err := hex.DecodeString(enc.Mac)
	require.NoError(t, err)
	mac[0] ^= 1
	tampered.Mac = hex.EncodeToString(mac)
	_, err = Decrypt(priv, &tampered)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	tampered = *enc
	tampered.IV = "zz"
	_, err = Decrypt(priv, &tampered)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Decrypt(priv, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptRejectsIdentity(t *testing.T) {
	_, err := Encrypt(NewSecp256k1Curve().PointIdentity(), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidPoint)
}

func TestSignMessage(t *testing.T) {
	curve := NewSecp256k1Curve()
	priv, err := curve.ScalarRandom()
	require.NoError(t, err)
	pub := curve.BasePoint().Mul(priv)

	sig, err := SignMessage(priv, []byte("document"))
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.True(t, VerifyMessage(pub, []byte("document"), sig))
	require.False(t, VerifyMessage(pub, []byte("other"), sig))
	require.False(t, VerifyMessage(curve.BasePoint(), []byte("document"), sig))
	require.False(t, VerifyMessage(pub, []byte("document"), sig[:10]))
}
