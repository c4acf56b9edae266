// Package naming derives the engine resource names owned by a cluster.
//
// Every name starts with a fixed prefix followed by the cluster id and a
// trailing separator, so cluster 1 never claims resources of cluster 10.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/0xsequence/reorgme/internal/check"
)

const (
	ContainerPrefix = "reorgme_geth_child"
	VolumePrefix    = "reorgme_geth_volume"
	NetworkPrefix   = "reorgme_geth_network"

	// NodeCount is the fixed size of every cluster.
	NodeCount = 3

	// ForkedNode is the only node ever partitioned.
	ForkedNode = 0
)

// Namer maps a cluster id to its resource names. The zero value names
// cluster 0.
type Namer struct {
	ClusterID int
}

// New returns the Namer for a cluster id.
func New(id int) Namer {
	return Namer{ClusterID: id}
}

func (n Namer) containerBase() string {
	return fmt.Sprintf("%s_%d_", ContainerPrefix, n.ClusterID)
}

func (n Namer) volumeBase() string {
	return fmt.Sprintf("%s_%d_", VolumePrefix, n.ClusterID)
}

// Container returns the name of node index's container. The name doubles as
// the node's extra-data tag.
func (n Namer) Container(index int) string {
	check.Assertf(index >= 0 && index < NodeCount, "naming: node index %d out of range", index)
	return fmt.Sprintf("%s%d", n.containerBase(), index)
}

// Containers returns the container names of all nodes in index order.
func (n Namer) Containers() []string {
	names := make([]string, NodeCount)
	for i := range names {
		names[i] = n.Container(i)
	}
	return names
}

// InitContainer is the one-shot container that loads the genesis file.
func (n Namer) InitContainer() string {
	return n.containerBase() + "init"
}

// DatasetContainer is the temporary miner that generates the shared dataset.
func (n Namer) DatasetContainer() string {
	return n.containerBase() + "dataset"
}

// CopyContainer is the one-shot container that copies the dataset into node
// index's volume.
func (n Namer) CopyContainer(index int) string {
	return n.Container(index) + "_copy"
}

// Volume returns the data volume of node index.
func (n Namer) Volume(index int) string {
	check.Assertf(index >= 0 && index < NodeCount, "naming: node index %d out of range", index)
	return fmt.Sprintf("%s%d", n.volumeBase(), index)
}

// DatasetVolume holds the shared mining dataset during bootstrap.
func (n Namer) DatasetVolume() string {
	return n.volumeBase() + "dataset"
}

// Network is the external network: RPC access and steady-state gossip.
func (n Namer) Network() string {
	return fmt.Sprintf("%s_%d", NetworkPrefix, n.ClusterID)
}

// InternalNetwork is the network node 0 is detached from to fork the chain.
func (n Namer) InternalNetwork() string {
	return fmt.Sprintf("%s_%d_internal", NetworkPrefix, n.ClusterID)
}

// TempDir is the per-cluster host directory holding the genesis file.
func (n Namer) TempDir(root string) string {
	return filepath.Join(root, fmt.Sprintf("reorgme_%d", n.ClusterID))
}

// OwnsContainer reports whether a container name belongs to this cluster.
// Engine-reported names with a leading slash are accepted.
func (n Namer) OwnsContainer(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "/"), n.containerBase())
}

// OwnsVolume reports whether a volume name belongs to this cluster.
func (n Namer) OwnsVolume(name string) bool {
	return strings.HasPrefix(name, n.volumeBase())
}

// PeerIDs returns the indices of the two nodes other than index.
func PeerIDs(index int) []int {
	peers := make([]int, 0, NodeCount-1)
	for i := 0; i < NodeCount; i++ {
		if i != index {
			peers = append(peers, i)
		}
	}
	return peers
}

// RightNeighbor returns the node that receives index's blocks in the
// propagation proof.
func RightNeighbor(index int) int {
	return (index + 1) % NodeCount
}
