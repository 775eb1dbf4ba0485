// Package keys implements owner identities and the key-wrapping scheme
// that controls who can recover the symmetric key protecting a tree
// root.
//
// Three visibility tiers exist: public roots carry their key in the
// clear, link-visible roots wrap it under a shareable random link key,
// and private roots encrypt it to the owner's identity alone. Wrapping
// primitives are pure and deterministic where the scheme requires it;
// the filesystem keystore is a local-first convenience, not part of the
// wire contract.
package keys
