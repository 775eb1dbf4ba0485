package keys

import (
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestWrapLinkRoundTrip(t *testing.T) {
	content := randomKey(t)
	link := randomKey(t)

	wrapped, err := WrapLink(content, link)
	require.NoError(t, err)
	require.NotEqual(t, content, wrapped)

	back, err := WrapLink(wrapped, link)
	require.NoError(t, err)
	require.Equal(t, content, back)
}

func TestWrapLinkRejectsBadSizes(t *testing.T) {
	_, err := WrapLink(make([]byte, 16), make([]byte, KeySize))
	require.ErrorIs(t, err, ErrBadWrap)
	_, err = WrapLink(make([]byte, KeySize), nil)
	require.ErrorIs(t, err, ErrBadWrap)
}

func TestKeyID(t *testing.T) {
	key := randomKey(t)
	id1 := KeyID(key)
	id2 := KeyID(key)
	require.Len(t, id1, KeyIDSize)
	require.Equal(t, id1, id2)
	require.NotEqual(t, id1, KeyID(randomKey(t)))
}

func TestSealRecoverPublic(t *testing.T) {
	content := randomKey(t)
	sealed, linkKey, err := Seal(content, Public, nil)
	require.NoError(t, err)
	require.Nil(t, linkKey)
	require.Equal(t, content, sealed.Key)

	got, err := Recover(sealed, nil, nil)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSealRecoverLinkVisible(t *testing.T) {
	owner, err := Generate()
	require.NoError(t, err)
	content := randomKey(t)

	sealed, linkKey, err := Seal(content, LinkVisible, owner)
	require.NoError(t, err)
	require.Len(t, linkKey, KeySize)
	require.Nil(t, sealed.Key)
	require.Len(t, sealed.EncryptedKey, KeySize)
	require.NotEmpty(t, sealed.SelfEncryptedLinkKey)

	// Anyone holding the link key can unwrap.
	got, err := Recover(sealed, nil, linkKey)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// The owner recovers without the link key via the self-encrypted
	// link key.
	got, err = Recover(sealed, owner, nil)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// A stranger with neither gets nothing.
	_, err = Recover(sealed, nil, nil)
	require.ErrorIs(t, err, ErrNoKey)

	// A wrong identity gets nothing.
	other, err := Generate()
	require.NoError(t, err)
	_, err = Recover(sealed, other, nil)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestSealRecoverPrivate(t *testing.T) {
	owner, err := Generate()
	require.NoError(t, err)
	content := randomKey(t)

	sealed, linkKey, err := Seal(content, Private, owner)
	require.NoError(t, err)
	require.Nil(t, linkKey)
	require.Nil(t, sealed.Key)
	require.Nil(t, sealed.EncryptedKey)
	require.NotEmpty(t, sealed.SelfEncryptedKey)

	got, err := Recover(sealed, owner, nil)
	require.NoError(t, err)
	require.Equal(t, content, got)

	other, err := Generate()
	require.NoError(t, err)
	_, err = Recover(sealed, other, nil)
	require.ErrorIs(t, err, ErrNoKey)
	_, err = Recover(sealed, nil, nil)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestRecoverPrefersRecordKey(t *testing.T) {
	content := randomKey(t)
	sealed := Sealed{
		Key:          content,
		EncryptedKey: randomKey(t), // would unwrap to garbage
	}
	got, err := Recover(sealed, nil, randomKey(t))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRecoverLegacyWrap(t *testing.T) {
	content := randomKey(t)
	link := randomKey(t)

	// Build a legacy 60-byte wrap: 12-byte nonce + ct + tag under
	// ChaCha20-Poly1305 keyed by the link key.
	aead, err := chacha20poly1305.New(link)
	require.NoError(t, err)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	legacy := aead.Seal(nonce, nonce, content, nil)
	require.Len(t, legacy, legacyWrapSize)

	got, err := Recover(Sealed{EncryptedKey: legacy}, nil, link)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// Wrong link key fails closed.
	_, err = Recover(Sealed{EncryptedKey: legacy}, nil, randomKey(t))
	require.ErrorIs(t, err, ErrNoKey)
}

func TestSealUnknownVisibility(t *testing.T) {
	_, _, err := Seal(randomKey(t), Visibility("bogus"), nil)
	require.Error(t, err)
}
