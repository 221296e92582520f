package dataloaders

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Pickled float32 arrays [[0.5, 1, 1.5], [2, 2.5, 3]] as numpy writes them.
const (
	ndarrayProto2 = "8002636e756d70792e636f72652e6d756c746961727261790a5f7265636f6e7374727563740a7100636e756d70790a6e6461727261790a71014b00857102635f636f646563730a656e636f64650a7103580100000062710458060000006c6174696e317105867106527107877108527109284b014b024b0386710a636e756d70790a64747970650a710b58020000006634710c898887710d52710e284b0358010000003c710f4e4e4e4affffffff4affffffff4b0074711062896803581a0000000000003f0000c2803f0000c3803f00000040000020400000404071116805867112527113747114622e"
	ndarrayProto3 = "8003636e756d70792e636f72652e6d756c746961727261790a5f7265636f6e7374727563740a7100636e756d70790a6e6461727261790a71014b008571024301627103877104527105284b014b024b03867106636e756d70790a64747970650a7107580200000066347108898887710952710a284b0358010000003c710b4e4e4e4affffffff4affffffff4b0074710c628943180000003f0000803f0000c03f000000400000204000004040710d74710e622e"
)

func writePickle(t *testing.T, hexData string) string {
	t.Helper()
	raw, err := hex.DecodeString(hexData)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "AWA_attr_in_order.pickle")
	require.NoError(t, os.WriteFile(p, raw, 0o644))
	return p
}

func TestLoadPickledMatrix_Ndarray(t *testing.T) {
	want := [][]float32{{0.5, 1, 1.5}, {2, 2.5, 3}}
	for name, fixture := range map[string]string{"protocol2": ndarrayProto2, "protocol3": ndarrayProto3} {
		t.Run(name, func(t *testing.T) {
			m, err := LoadPickledMatrix(writePickle(t, fixture))
			require.NoError(t, err)
			assert.Equal(t, want, m)
		})
	}
}

func TestLoadPickledMatrix_NestedLists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lists.pickle")
	require.NoError(t, os.WriteFile(p, []byte("(lp0\n(lp1\nF1.0\naF2.0\naa(lp2\nF3.0\naF4.0\naa."), 0o644))
	m, err := LoadPickledMatrix(p)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, m)
}

func TestLoadPickledMatrix_ViaCollection(t *testing.T) {
	p := writePickle(t, ndarrayProto3)
	m, err := AWA.LoadClassAttributes(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, m, 2)
}

func TestLoadPickledMatrix_RejectsForeignClasses(t *testing.T) {
	p := filepath.Join(t.TempDir(), "evil.pickle")
	require.NoError(t, os.WriteFile(p, []byte("cos\nsystem\n(S'true'\ntR."), 0o644))
	_, err := LoadPickledMatrix(p)
	assert.Error(t, err)
}

func TestToMatrix(t *testing.T) {
	_, err := toMatrix(&ndarray{shape: []int{3}, data: []float64{1, 2, 3}})
	assert.Error(t, err)

	_, err = toMatrix([]interface{}{[]interface{}{1.0, "x"}})
	assert.Error(t, err)

	m, err := toMatrix([]interface{}{[]interface{}{1, int64(2), true}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 1}}, m)
}
