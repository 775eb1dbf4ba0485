package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/keys"
)

// Key names a published tree root: the owner's printable key plus the
// owner-chosen tree name.
type Key struct {
	Owner string
	Name  string
}

func (k Key) String() string { return k.Owner + "/" + k.Name }

// topic is the relay topic record updates travel on.
func (k Key) topic() string { return "roots/" + k.Owner + "/" + k.Name }

// reqTopic carries re-announce requests from resolvers that have not
// seen a record yet.
func (k Key) reqTopic() string { return "roots-req/" + k.Owner + "/" + k.Name }

// Record is the published state of one tree root. Key material fields
// mirror keys.Sealed; which are set depends on the visibility tier.
type Record struct {
	Hash                 string          `json:"hash"`
	Visibility           keys.Visibility `json:"visibility"`
	Key                  []byte          `json:"key,omitempty"`
	EncryptedKey         []byte          `json:"encryptedKey,omitempty"`
	KeyID                []byte          `json:"keyId,omitempty"`
	SelfEncryptedKey     []byte          `json:"selfEncryptedKey,omitempty"`
	SelfEncryptedLinkKey []byte          `json:"selfEncryptedLinkKey,omitempty"`
	UpdatedAt            int64           `json:"updatedAt"`
}

// valid rejects records that cannot name a root. Invalid records are
// dropped silently by the registry.
func (rec Record) valid() bool {
	if rec.UpdatedAt <= 0 || rec.Hash == "" {
		return false
	}
	_, err := gocid.Decode(rec.Hash)
	return err == nil
}

// sealed regroups the record's key material for recovery.
func (rec Record) sealed() keys.Sealed {
	return keys.Sealed{
		Key:                  rec.Key,
		EncryptedKey:         rec.EncryptedKey,
		KeyID:                rec.KeyID,
		SelfEncryptedKey:     rec.SelfEncryptedKey,
		SelfEncryptedLinkKey: rec.SelfEncryptedLinkKey,
	}
}

// ID resolves the record to a readable content ID, recovering the
// content key through the usual precedence. id and linkKey may be nil.
// An unencrypted public record yields a bare-hash ID; a record whose
// key cannot be recovered yields keys.ErrNoKey.
func (rec Record) ID(id *keys.Identity, linkKey []byte) (cid.ID, error) {
	hash, err := gocid.Decode(rec.Hash)
	if err != nil {
		return cid.ID{}, fmt.Errorf("registry: bad record hash: %w", err)
	}
	s := rec.sealed()
	if s.Key == nil && s.EncryptedKey == nil && s.SelfEncryptedKey == nil {
		// Unencrypted public root.
		return cid.ID{Hash: hash}, nil
	}
	key, err := keys.Recover(s, id, linkKey)
	if err != nil {
		return cid.ID{}, err
	}
	return cid.New(hash, key)
}

func encodeRecord(rec Record) ([]byte, error) { return json.Marshal(rec) }

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if !rec.valid() {
		return Record{}, errors.New("registry: invalid record")
	}
	return rec, nil
}
