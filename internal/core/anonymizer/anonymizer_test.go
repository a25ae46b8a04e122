package anonymizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridlens/gridlens/internal/core"
)

func testSalts() map[string]string {
	return map[string]string{
		CategoryAddress:     "address-salt-0123456789",
		CategoryClient:      "client-salt-0123456789",
		CategorySupplyPoint: strings.Repeat("s", 100),
	}
}

func TestDeriveIsDeterministicAcrossInstances(t *testing.T) {
	first, err := New(testSalts())
	require.NoError(t, err)
	second, err := New(testSalts())
	require.NoError(t, err)

	a, err := first.Derive(CategoryAddress, "Calle Mayor 1", "28013 Madrid")
	require.NoError(t, err)
	b, err := second.Derive(CategoryAddress, "Calle Mayor 1", "28013 Madrid")
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a, DigestLength)
}

func TestDeriveNormalizesInputs(t *testing.T) {
	anon, err := New(testSalts())
	require.NoError(t, err)

	a, err := anon.Derive(CategorySupplyPoint, "ES0021000000000000AA")
	require.NoError(t, err)
	b, err := anon.Derive(CategorySupplyPoint, "  es0021000000000000aa \t")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := anon.Derive(CategoryAddress, "Calle   Mayor 1")
	require.NoError(t, err)
	d, err := anon.Derive(CategoryAddress, "calle mayor 1")
	require.NoError(t, err)
	require.Equal(t, c, d)
}

func TestDeriveSeparatesCategoriesAndSalts(t *testing.T) {
	anon, err := New(testSalts())
	require.NoError(t, err)

	client, err := anon.Derive(CategoryClient, "B12345678")
	require.NoError(t, err)
	address, err := anon.Derive(CategoryAddress, "B12345678")
	require.NoError(t, err)
	require.NotEqual(t, client, address)

	salts := testSalts()
	salts[CategoryClient] = "another-client-salt-000"
	other, err := New(salts)
	require.NoError(t, err)
	rotated, err := other.Derive(CategoryClient, "B12345678")
	require.NoError(t, err)
	require.NotEqual(t, client, rotated)
}

func TestDeriveFieldBoundariesMatter(t *testing.T) {
	anon, err := New(testSalts())
	require.NoError(t, err)

	a, err := anon.Derive(CategoryAddress, "ab", "c")
	require.NoError(t, err)
	b, err := anon.Derive(CategoryAddress, "a", "bc")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestMissingSaltFailsLoudly(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, core.ErrMissingSalt)

	_, err = New(map[string]string{CategoryClient: "  "})
	require.ErrorIs(t, err, core.ErrMissingSalt)

	_, err = New(map[string]string{CategoryClient: "short"})
	require.Error(t, err)

	anon, err := New(map[string]string{CategoryClient: "client-salt-0123456789"})
	require.NoError(t, err)

	_, err = anon.Derive(CategoryAddress, "Calle Mayor 1")
	require.ErrorIs(t, err, core.ErrMissingSalt)

	err = anon.Require(CategoryClient, CategoryAddress, CategorySupplyPoint)
	require.ErrorIs(t, err, core.ErrMissingSalt)
	require.Contains(t, err.Error(), "address, supply_point")
}

func TestDeriveRejectsEmptyFields(t *testing.T) {
	anon, err := New(testSalts())
	require.NoError(t, err)

	_, err = anon.Derive(CategoryClient)
	require.Error(t, err)

	_, err = anon.Derive(CategoryClient, " ", "")
	require.Error(t, err)
}

func TestValidateKey(t *testing.T) {
	anon, err := New(testSalts())
	require.NoError(t, err)
	derived, err := anon.Derive(CategorySupplyPoint, "ES0021000000000000AA")
	require.NoError(t, err)
	require.NoError(t, ValidateKey(derived))

	for _, key := range []string{
		"",
		"k",
		"ES0021000000000000AA",
		strings.ToUpper(derived),
		derived[:DigestLength-1],
		derived + "0",
		strings.Repeat("g", DigestLength),
	} {
		require.ErrorIs(t, ValidateKey(key), ErrMalformedKey, key)
	}
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("Weather", "2024-01", "k1", "k2")
	b := DedupKey("weather", "2024-01", "k2", "k1")
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "weather:2024-01:"))

	require.NotEqual(t, a, DedupKey("weather", "2024-02", "k1", "k2"))
	require.NotEqual(t, a, DedupKey("market_prices", "2024-01", "k1", "k2"))
}

func TestGenerateSalt(t *testing.T) {
	first, err := GenerateSalt()
	require.NoError(t, err)
	second, err := GenerateSalt()
	require.NoError(t, err)

	require.Len(t, first, 64)
	require.NotEqual(t, first, second)

	_, err = New(map[string]string{CategoryClient: first})
	require.NoError(t, err)
}
