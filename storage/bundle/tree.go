package bundle

import (
	"archive/tar"
	"fmt"
	"io"
	"sort"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/tree"
)

// ExportTree bundles every block reachable from the tree root id,
// labeling the root hash in the index. The walk needs the root's key
// when the tree is encrypted; the exported blocks themselves stay
// encrypted at rest.
func ExportTree(w io.Writer, eng *tree.Engine, id cid.ID, opts ExportOptions) error {
	type blk struct {
		hash gocid.Cid
		data []byte
	}
	var collected []blk
	err := eng.WalkBlocks(id, func(b tree.Block) error {
		collected = append(collected, blk{hash: b.Hash, data: b.Data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("bundle: walk: %w", err)
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].hash.String() < collected[j].hash.String()
	})

	tw := tar.NewWriter(w)
	blocks := make([]indexBlock, 0, len(collected))
	for _, b := range collected {
		if err := writeEntry(tw, "blocks/"+b.hash.String(), b.data); err != nil {
			_ = tw.Close()
			return err
		}
		blocks = append(blocks, indexBlock{CID: b.hash.String(), Size: len(b.data)})
	}

	if opts.IncludeIndex {
		labels := make(map[string]gocid.Cid, len(opts.Labels)+1)
		for k, v := range opts.Labels {
			labels[k] = v
		}
		if _, ok := labels["root"]; !ok {
			labels["root"] = id.Hash
		}
		idx, err := buildIndex(blocks, labels)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeEntry(tw, "index.json", idx); err != nil {
			_ = tw.Close()
			return err
		}
	}
	return tw.Close()
}
