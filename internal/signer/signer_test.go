package signer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	priv, pub, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "private.pem")
	pubPath = filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o644))
	return privPath, pubPath
}

func TestSignAndVerify(t *testing.T) {
	privPath, pubPath := writeKeyPair(t)

	s, err := LoadFile(privPath)
	require.NoError(t, err)
	v, err := LoadVerifierFile(pubPath)
	require.NoError(t, err)

	payload := []byte(`{"valid":true,"message":"activated"}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, v.Verify(payload, sig))

	again, err := s.Sign(payload)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "PKCS1v15 signatures are deterministic")
}

func TestVerify_TamperedPayload(t *testing.T) {
	privPath, pubPath := writeKeyPair(t)
	s, err := LoadFile(privPath)
	require.NoError(t, err)
	v, err := LoadVerifierFile(pubPath)
	require.NoError(t, err)

	payload := []byte(`{"valid":false,"error":"license expired"}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		assert.ErrorIs(t, v.Verify(tampered, sig), ErrInvalidSignature, "byte %d", i)
	}

	assert.ErrorIs(t, v.Verify(payload, "not base64!"), ErrInvalidSignature)
}

func TestVerify_WrongKey(t *testing.T) {
	privPath, _ := writeKeyPair(t)
	_, otherPub := writeKeyPair(t)

	s, err := LoadFile(privPath)
	require.NoError(t, err)
	v, err := LoadVerifierFile(otherPub)
	require.NoError(t, err)

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify([]byte("payload"), sig), ErrInvalidSignature)
}

func TestSigner_Disabled(t *testing.T) {
	var s *Signer
	assert.False(t, s.Enabled())
	assert.Nil(t, s.PublicKey())

	_, err := s.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.True(t, os.IsNotExist(err))
}

func TestSigner_Concurrent(t *testing.T) {
	privPath, pubPath := writeKeyPair(t)
	s, err := LoadFile(privPath)
	require.NoError(t, err)
	v, err := LoadVerifierFile(pubPath)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte{byte(i)}
			sig, err := s.Sign(payload)
			if assert.NoError(t, err) {
				assert.NoError(t, v.Verify(payload, sig))
			}
		}(i)
	}
	wg.Wait()
}

func TestParseKeys_Invalid(t *testing.T) {
	_, err := ParsePrivateKey([]byte("garbage"))
	assert.Error(t, err)

	_, err = ParsePublicKey([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.Error(t, err)
}
