// Command hashtree stores files as encrypted merkle trees, publishes
// named roots to a relay, and resolves them back.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree/btree"
	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/keys"
	"github.com/mmalmi/hashtree/registry"
	"github.com/mmalmi/hashtree/storage/bundle"
	"github.com/mmalmi/hashtree/tree"

	// Registers the optional IPFS backend for chain files.
	_ "github.com/mmalmi/hashtree/storage/ipfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var a *app

	root := &cobra.Command{
		Use:           "hashtree",
		Short:         "content-addressed encrypted file trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default searches for hashtree.yaml)")

	root.AddCommand(
		newPutCmd(&a),
		newGetCmd(&a),
		newLsCmd(&a),
		newPublishCmd(&a),
		newResolveCmd(&a),
		newVerifyCmd(&a),
		newExportCmd(&a),
		newImportCmd(&a),
		newIndexCmd(&a),
		newKeyCmd(&a),
	)
	return root
}

func newPutCmd(a **app) *cobra.Command {
	var unencrypted bool
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "store a file and print its permalink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := (*a).openEngine()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := eng.PutFile(data, tree.PutOptions{Unencrypted: unencrypted})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&unencrypted, "unencrypted", false, "store plaintext blocks (hash equals plaintext hash)")
	return cmd
}

// resolveTarget turns a permalink or an <owner>/<name> reference into a
// readable content ID, falling back to peers when the local chain
// misses blocks later on.
func resolveTarget(a *app, ref, linkKeyB58 string) (cid.ID, error) {
	var linkKey []byte
	if linkKeyB58 != "" {
		var err error
		linkKey, err = base58.Decode(linkKeyB58)
		if err != nil {
			return cid.ID{}, fmt.Errorf("bad link key: %w", err)
		}
	}
	if cid.IsPermalink(ref) {
		return cid.Parse(ref)
	}
	key, err := registry.ParseRef(ref)
	if err != nil {
		return cid.ID{}, err
	}
	reg, err := a.openRegistry()
	if err != nil {
		return cid.ID{}, err
	}
	rec, err := reg.Resolve(key, a.cfg.Relay.ResolveTimeout)
	if err != nil {
		return cid.ID{}, err
	}
	id, _ := a.identityOptional()
	return rec.ID(id, linkKey)
}

func newGetCmd(a **app) *cobra.Command {
	var out, linkKey, path string
	cmd := &cobra.Command{
		Use:   "get <permalink|owner/name> [path]",
		Short: "fetch a file and write it to stdout or a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				path = args[1]
			}
			id, err := resolveTarget(*a, args[0], linkKey)
			if err != nil {
				return err
			}
			store, err := (*a).readChain()
			if err != nil {
				return err
			}
			eng := tree.New(store, tree.Options{ChunkSize: (*a).cfg.ChunkSize})
			if path != "" {
				ent, err := eng.ResolvePath(id, path)
				if err != nil {
					return err
				}
				if ent == nil {
					return fmt.Errorf("path %q not found", path)
				}
				id = ent.ID
			}
			data, err := eng.ReadFile(id)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&linkKey, "link-key", "", "base58 link key for link-visible roots")
	return cmd
}

func newLsCmd(a **app) *cobra.Command {
	var linkKey string
	cmd := &cobra.Command{
		Use:   "ls <permalink|owner/name> [path]",
		Short: "list a directory tree node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTarget(*a, args[0], linkKey)
			if err != nil {
				return err
			}
			store, err := (*a).readChain()
			if err != nil {
				return err
			}
			eng := tree.New(store, tree.Options{ChunkSize: (*a).cfg.ChunkSize})
			if len(args) == 2 {
				ent, err := eng.ResolvePath(id, args[1])
				if err != nil {
					return err
				}
				if ent == nil {
					return fmt.Errorf("path %q not found", args[1])
				}
				id = ent.ID
			}
			entries, err := eng.ListDirectory(id)
			if err != nil {
				return err
			}
			for _, ent := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s %10d  %s\n", ent.Type, ent.Size, ent.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&linkKey, "link-key", "", "base58 link key for link-visible roots")
	return cmd
}

func newPublishCmd(a **app) *cobra.Command {
	var visibility string
	cmd := &cobra.Command{
		Use:   "publish <name> <permalink>",
		Short: "announce a tree root under your identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vis := keys.Visibility(visibility)
			if !vis.Valid() {
				return fmt.Errorf("visibility must be one of %s, %s, %s", keys.Public, keys.LinkVisible, keys.Private)
			}
			root, err := cid.Parse(args[1])
			if err != nil {
				return err
			}
			id, err := (*a).identity()
			if err != nil {
				return err
			}
			reg, err := (*a).openRegistry()
			if err != nil {
				return err
			}
			key := registry.Key{Owner: id.OwnerKey(), Name: args[0]}
			_, linkKey, err := reg.Publish(key, root, registry.PublishOptions{
				Visibility: vis,
				Identity:   id,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.String())
			if linkKey != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "link key: %s\n", base58.Encode(linkKey))
			}
			// Leave time for the announce to reach the relay before the
			// process exits.
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", string(keys.Public), "public, link-visible or private")
	return cmd
}

func newResolveCmd(a **app) *cobra.Command {
	var linkKey string
	cmd := &cobra.Command{
		Use:   "resolve <owner> <name>",
		Short: "resolve a published root to its permalink",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if len(args) == 2 {
				ref = args[0] + "/" + args[1]
			}
			id, err := resolveTarget(*a, ref, linkKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&linkKey, "link-key", "", "base58 link key for link-visible roots")
	return cmd
}

func newVerifyCmd(a **app) *cobra.Command {
	var linkKey string
	cmd := &cobra.Command{
		Use:   "verify <permalink|owner/name>",
		Short: "check that every block of a tree is present locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTarget(*a, args[0], linkKey)
			if err != nil {
				return err
			}
			store, err := (*a).openStore()
			if err != nil {
				return err
			}
			rep := tree.VerifyTree(store, id)
			if rep.Valid {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			for _, hash := range rep.Missing {
				fmt.Fprintf(cmd.OutOrStdout(), "missing %s\n", hash)
			}
			return fmt.Errorf("%d blocks missing", len(rep.Missing))
		},
	}
	cmd.Flags().StringVar(&linkKey, "link-key", "", "base58 link key for link-visible roots")
	return cmd
}

func newExportCmd(a **app) *cobra.Command {
	var out, linkKey string
	cmd := &cobra.Command{
		Use:   "export <permalink|owner/name>",
		Short: "write a tree's blocks to a tar bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTarget(*a, args[0], linkKey)
			if err != nil {
				return err
			}
			eng, err := (*a).openEngine()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return bundle.ExportTree(w, eng, id, bundle.ExportOptions{})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&linkKey, "link-key", "", "base58 link key for link-visible roots")
	return cmd
}

func newImportCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <bundle.tar>",
		Short: "load a tar bundle's blocks into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := (*a).openStore()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return bundle.Import(f, store, bundle.ImportOptions{})
		},
	}
	return cmd
}

// newIndexCmd manages ordered key-value indexes stored as tree nodes.
// A root of "-" starts an empty index; every mutation prints the new
// root permalink.
func newIndexCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "ordered key-value indexes over tree nodes",
	}

	openIndex := func(root string) (*btree.Tree, cid.ID, error) {
		eng, err := (*a).openEngine()
		if err != nil {
			return nil, cid.ID{}, err
		}
		idx := btree.New(eng, btree.Options{})
		if root == "-" {
			id, err := idx.NewRoot()
			return idx, id, err
		}
		id, err := cid.Parse(root)
		return idx, id, err
	}

	set := &cobra.Command{
		Use:   "set <root|-> <key> <value>",
		Short: "insert or update a key and print the new root",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, root, err := openIndex(args[0])
			if err != nil {
				return err
			}
			root, err = idx.Insert(root, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.String())
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <root> <key>",
		Short: "look up a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, root, err := openIndex(args[0])
			if err != nil {
				return err
			}
			value, ok, err := idx.Get(root, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "del <root> <key>",
		Short: "delete a key and print the new root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, root, err := openIndex(args[0])
			if err != nil {
				return err
			}
			root, err = idx.Delete(root, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.String())
			return nil
		},
	}

	var prefix string
	list := &cobra.Command{
		Use:   "list <root>",
		Short: "list entries in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, root, err := openIndex(args[0])
			if err != nil {
				return err
			}
			print := func(key, value string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, value)
				return nil
			}
			if prefix != "" {
				return idx.Prefix(root, prefix, print)
			}
			return idx.Entries(root, print)
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "list only keys with this prefix")

	cmd.AddCommand(set, get, del, list)
	return cmd
}

func newKeyCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "manage signing identities",
	}

	var genName string
	var genForce bool
	var genSeed string
	gen := &cobra.Command{
		Use:   "gen",
		Short: "generate (or import) an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := (*a).openKeystore()
			if err != nil {
				return err
			}
			name := genName
			if name == "" {
				name = (*a).cfg.Keys.Identity
			}
			var id *keys.Identity
			if genSeed != "" {
				seed, err := keys.ParseSeedHex(genSeed)
				if err != nil {
					return err
				}
				id, err = ks.Import(name, seed, genForce)
				if err != nil {
					return err
				}
			} else {
				id, err = ks.Create(name, genForce)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, id.OwnerKey())
			return nil
		},
	}
	gen.Flags().StringVar(&genName, "name", "", "identity name (default from config)")
	gen.Flags().BoolVar(&genForce, "force", false, "overwrite an existing identity")
	gen.Flags().StringVar(&genSeed, "seed-hex", "", "import a 64-hex-char ed25519 seed instead of generating")

	var showName string
	show := &cobra.Command{
		Use:   "show",
		Short: "print an identity's owner key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := (*a).openKeystore()
			if err != nil {
				return err
			}
			name := showName
			if name == "" {
				name = (*a).cfg.Keys.Identity
			}
			id, err := ks.Load(name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.OwnerKey())
			return nil
		},
	}
	show.Flags().StringVar(&showName, "name", "", "identity name (default from config)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list stored identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := (*a).openKeystore()
			if err != nil {
				return err
			}
			entries, err := ks.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Name, e.OwnerKey)
			}
			return nil
		},
	}

	cmd.AddCommand(gen, show, list)
	return cmd
}
