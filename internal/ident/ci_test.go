package ident

import (
	"testing"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeriver() *CIDeriver {
	return NewCIDeriver([]byte("service-attribute-for-tests"), []byte("hmac-key-for-tests"))
}

func TestDeriveIsDeterministic(t *testing.T) {
	d := testDeriver()

	first, err := d.Derive("9001011234567")
	require.NoError(t, err)
	second, err := testDeriver().Derive("9001011234567")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.Value, CILength)
	assert.False(t, first.Synthetic)
}

func TestDeriveSeparatesIdentifiers(t *testing.T) {
	d := testDeriver()
	seen := make(map[string]string)

	for _, id := range []string{"9001011234567", "9001011234568", "8512312234567", "0001013234567"} {
		ci, err := d.Derive(id)
		require.NoError(t, err)
		if prev, dup := seen[ci.Value]; dup {
			t.Fatalf("identifiers %s and %s produced the same CI", prev, id)
		}
		seen[ci.Value] = id
	}
}

func TestDeriveDependsOnKeyMaterial(t *testing.T) {
	a, err := NewCIDeriver([]byte("attr-a"), []byte("key")).Derive("9001011234567")
	require.NoError(t, err)
	b, err := NewCIDeriver([]byte("attr-b"), []byte("key")).Derive("9001011234567")
	require.NoError(t, err)
	c, err := NewCIDeriver([]byte("attr-a"), []byte("other")).Derive("9001011234567")
	require.NoError(t, err)

	assert.NotEqual(t, a.Value, b.Value)
	assert.NotEqual(t, a.Value, c.Value)
}

func TestDeriveRejectsMalformedIdentifiers(t *testing.T) {
	d := testDeriver()

	for _, id := range []string{"", "123", "90010112345678", "900101-123456", "90010112345ab"} {
		_, err := d.Derive(id)
		assert.True(t, apperr.Is(err, apperr.InvalidIdentifier), "identifier %q: %v", id, err)
	}
}

func TestDeriveFromPhoneIsSynthetic(t *testing.T) {
	d := testDeriver()

	first, err := d.DeriveFromPhone("010-1234-5678")
	require.NoError(t, err)
	second, err := d.DeriveFromPhone("01012345678")
	require.NoError(t, err)

	assert.True(t, first.Synthetic)
	assert.Equal(t, first.Value, second.Value)
	assert.Len(t, first.Value, CILength)

	_, err = d.DeriveFromPhone("12345")
	assert.True(t, apperr.Is(err, apperr.InvalidIdentifier))
}
