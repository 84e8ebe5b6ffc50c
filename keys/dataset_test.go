package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDataSetName(t *testing.T) {
	for _, name := range []string{"matthieu", "exp1", "a-b_c.d", "X1"} {
		require.NoError(t, ValidateDataSetName(name), name)
	}
	for _, name := range []string{"", "a/b", "a%b", "caf\xc3\xa9"} {
		require.ErrorIs(t, ValidateDataSetName(name), ErrInvalidDataSetName, name)
	}
}

func TestDataSetKeyLayout(t *testing.T) {
	require.Equal(t, append([]byte{1}, "matthieu"...), DataSetKey(1, "", "matthieu"))
	require.Equal(t, append([]byte{2}, "matthieu/exp1"...), DataSetKey(2, "matthieu", "exp1"))

	require.Equal(t, []byte{1}, DataSetPrefix(1, ""))
	require.Equal(t, append([]byte{2}, "matthieu/"...), DataSetPrefix(2, "matthieu"))

	level, fullname, err := SplitDataSetKey(DataSetKey(2, "matthieu", "exp1"))
	require.NoError(t, err)
	require.Equal(t, uint8(2), level)
	require.Equal(t, "matthieu/exp1", fullname)
}

func TestDataSetPathHelpers(t *testing.T) {
	container, name := SplitDataSetPath("a/b/c")
	require.Equal(t, "a/b", container)
	require.Equal(t, "c", name)

	container, name = SplitDataSetPath("top")
	require.Equal(t, "", container)
	require.Equal(t, "top", name)

	require.Equal(t, "a/b", JoinDataSetPath("a", "b"))
	require.Equal(t, "b", JoinDataSetPath("", "b"))

	require.Equal(t, uint8(1), DataSetLevel("top"))
	require.Equal(t, uint8(3), DataSetLevel("a/b/c"))
}

func TestProductKeyBytes(t *testing.T) {
	ds := NewUUID()
	d := NewEventDescriptor(ds, 1, 2, 3)
	pk := ProductKey{Label: "mylabel", Type: "particle"}

	key := ProductKeyBytes(d, pk)
	require.Equal(t, d.Encode(), key[:DescriptorSize])
	require.Equal(t, "mylabel#particle", string(key[DescriptorSize:]))

	gotDesc, gotPK, err := SplitProductKey(key)
	require.NoError(t, err)
	require.Equal(t, d, gotDesc)
	require.Equal(t, pk, gotPK)

	_, _, err = SplitProductKey(d.Encode())
	require.Error(t, err)
}
