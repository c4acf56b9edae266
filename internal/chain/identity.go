package chain

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// NodeKey is a node's fixed devp2p identity. Public is the uncompressed
// secp256k1 point without the 0x04 prefix.
type NodeKey struct {
	Public  string
	Private string
}

// NodeKeys are assigned by node index, so a node keeps its identity across
// restarts of the same cluster.
var NodeKeys = [...]NodeKey{
	{
		Private: "5a15d2e35fed8432f61d4e8b1a3cd0b4da90c614e58dac05530cbafb4f787058",
		Public:  "e99bb0f05340ca93706d6a185236cfbd8270b4b9ee93b71c5c330edd4879dbf03869698d8e86ac76f6cca3808756e1605efa547ca9393c75bfde51e475d57992",
	},
	{
		Private: "79621f477d0abc62ff0f1a7862f4b0ca1cfdfa0b5e277eee327d2a0d9dbcc8f5",
		Public:  "9a7aba69d13cc95e85039d5cf36af4ea6d8eb0c30aa70dc550483524ea86aff1d19938f2ecdc793df821ceb3b6678da0324d39a1f613d8725cf1a2454268cf28",
	},
	{
		Private: "4efa315cb0cecc240b8dac6ce06af8c43709e3b016836f5b7ae20fefeec7ef10",
		Public:  "de2c0919fb6612aa6c50e36c28ff4767317c07987de9a4390f5044ae9d00946cd00db4bff13408957d798315598ebf9a3e62266c9506d27bc6d01470b7f8c070",
	},
}

// KeyFor returns the identity of node index.
func KeyFor(index int) (NodeKey, error) {
	if index < 0 || index >= len(NodeKeys) {
		return NodeKey{}, fmt.Errorf("no node key for index %d", index)
	}
	return NodeKeys[index], nil
}

// Enode builds the enode:// URL peers use to dial the node at ip.
func (k NodeKey) Enode(ip string, port int) (string, error) {
	raw, err := hex.DecodeString(k.Public)
	if err != nil {
		return "", fmt.Errorf("decode node public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, raw...))
	if err != nil {
		return "", fmt.Errorf("parse node public key: %w", err)
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid node address %q", ip)
	}
	return enode.NewV4(pub, addr, port, port).URLv4(), nil
}

// Verify checks that Public is the key derived from Private.
func (k NodeKey) Verify() error {
	priv, err := crypto.HexToECDSA(k.Private)
	if err != nil {
		return fmt.Errorf("parse node private key: %w", err)
	}
	derived := hex.EncodeToString(crypto.FromECDSAPub(&priv.PublicKey)[1:])
	if derived != k.Public {
		return fmt.Errorf("node public key %s… does not match private key", k.Public[:8])
	}
	return nil
}
