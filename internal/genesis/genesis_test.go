package genesis

import (
	encjson "encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAllocation(t *testing.T) {
	t.Parallel()

	addr, acc, err := ParseAllocation("0xabc=100")
	require.NoError(t, err)
	require.Equal(t, "0xabc", addr)
	require.Equal(t, Account{Balance: "100"}, acc)
}

func TestParseAllocationRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"0xabc-100",
		"=100",
		"0xabc=",
		"0xzz=100",
		"0xabc=-5",
		"0xabc=1e9",
	} {
		_, _, err := ParseAllocation(in)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "input %q", in)
		require.Equal(t, in, verr.Input)
	}
}

func TestParseAllocations(t *testing.T) {
	t.Parallel()

	alloc, err := ParseAllocations([]string{"0xabc=100", "0xdef=7"})
	require.NoError(t, err)
	require.Equal(t, Alloc{"0xabc": {Balance: "100"}, "0xdef": {Balance: "7"}}, alloc)

	_, err = ParseAllocations([]string{"0xabc=1", "0xABC=2"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "duplicate address", verr.Reason)
}

func TestWithAllocMergesOverDefaults(t *testing.T) {
	t.Parallel()

	base := Default()
	g := base.WithAlloc(Alloc{
		"0xabc": {Balance: "100"},
		"7df9a875a174b3bc565e6424a0050ebc1b2d1d82": {Balance: "1"},
	})
	require.Len(t, g.Alloc, 3)
	require.Equal(t, "1", g.Alloc["7df9a875a174b3bc565e6424a0050ebc1b2d1d82"].Balance)
	// The receiver is untouched.
	require.Len(t, base.Alloc, 2)
}

func TestWrite(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "reorgme_3")
	path, err := Write(dir, Default().WithAlloc(Alloc{"0xabc": {Balance: "100"}}))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, encjson.Unmarshal(data, &doc))
	cfg := doc["config"].(map[string]any)
	require.EqualValues(t, 9999, cfg["chainId"])
	require.Contains(t, cfg, "ethash")
	alloc := doc["alloc"].(map[string]any)
	require.Equal(t, map[string]any{"balance": "100"}, alloc["0xabc"])
}
