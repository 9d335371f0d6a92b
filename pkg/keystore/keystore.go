// Package keystore implements the Key Store (§4.D): generation, import,
// export, listing, deletion, and default-selection of publisher identities.
// Grounded on the teacher's identity persistence (pkg/identity/identity.go
// SaveToFile/LoadFromFile), generalized to persist through the KVStore
// interface instead of flat JSON files on disk.
package keystore

import (
	"encoding/json"
	"fmt"

	"github.com/mwillis775/grabnet/pkg/hashsign"
	"github.com/mwillis775/grabnet/pkg/kvstore"
)

const (
	bucketKeys = "keys"
	bucketMeta = "keys_meta"

	metaKeyDefault = "default"
)

// Identity is a named publisher keypair.
type Identity struct {
	Name        string             `json:"name"`
	PublicKey   hashsign.PublicKey `json:"public_key"`
	PrivateKey  hashsign.PrivateKey `json:"private_key"`
	CreatedAtMs uint64             `json:"created_at_ms"`
}

// Store is the Key Store (§4.D).
type Store struct {
	kv kvstore.KVStore
}

// New creates a Store backed by kv.
func New(kv kvstore.KVStore) *Store {
	return &Store{kv: kv}
}

// Generate creates a fresh keypair under name, making it the default if it
// is the first identity in the store. It is an error to reuse an existing
// name.
func (s *Store) Generate(name string, nowMs uint64) (*Identity, error) {
	exists, err := s.kv.Has(bucketKeys, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("keystore: generate: %w", err)
	}
	if exists {
		return nil, newErr(CodeNameInUse, name, nil)
	}

	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		return nil, newErr(CodeKeyGenFailed, name, err)
	}
	id := &Identity{Name: name, PublicKey: pub, PrivateKey: priv, CreatedAtMs: nowMs}
	if err := s.put(id); err != nil {
		return nil, err
	}

	if _, hasDefault, err := s.defaultName(); err == nil && !hasDefault {
		if err := s.SetDefault(name); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// Import adds an externally-generated keypair under name.
func (s *Store) Import(name string, pub hashsign.PublicKey, priv hashsign.PrivateKey, nowMs uint64) (*Identity, error) {
	exists, err := s.kv.Has(bucketKeys, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("keystore: import: %w", err)
	}
	if exists {
		return nil, newErr(CodeNameInUse, name, nil)
	}
	if len(pub) != hashsign.PublicKeySize {
		return nil, newErr(CodeBadKeyLength, name, fmt.Errorf("public key must be %d bytes", hashsign.PublicKeySize))
	}

	id := &Identity{Name: name, PublicKey: pub, PrivateKey: priv, CreatedAtMs: nowMs}
	if err := s.put(id); err != nil {
		return nil, err
	}
	if _, hasDefault, err := s.defaultName(); err == nil && !hasDefault {
		if err := s.SetDefault(name); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// Export returns the named identity, including its private key.
func (s *Store) Export(name string) (*Identity, error) {
	raw, err := s.kv.Get(bucketKeys, []byte(name))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, newErr(CodeNotFound, name, nil)
		}
		return nil, newErr(CodeNotFound, name, err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("keystore: export: decode %q: %w", name, err)
	}
	return &id, nil
}

// List returns the names of every stored identity in ascending order.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.kv.ScanPrefix(bucketKeys, nil, func(key, _ []byte) error {
		names = append(names, string(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	return names, nil
}

// Delete removes the named identity. If it was the default, the default is
// cleared; callers must explicitly choose a new one.
func (s *Store) Delete(name string) error {
	if err := s.kv.Delete(bucketKeys, []byte(name)); err != nil {
		return fmt.Errorf("keystore: delete: %w", err)
	}
	defaultName, hasDefault, err := s.defaultName()
	if err != nil {
		return err
	}
	if hasDefault && defaultName == name {
		if err := s.kv.Delete(bucketMeta, []byte(metaKeyDefault)); err != nil {
			return fmt.Errorf("keystore: delete: clear default: %w", err)
		}
	}
	return nil
}

// SetDefault marks name as the default identity used by the Bundler when no
// explicit identity is given.
func (s *Store) SetDefault(name string) error {
	has, err := s.kv.Has(bucketKeys, []byte(name))
	if err != nil {
		return fmt.Errorf("keystore: set default: %w", err)
	}
	if !has {
		return newErr(CodeNotFound, name, nil)
	}
	return s.kv.Put(bucketMeta, []byte(metaKeyDefault), []byte(name))
}

// Default returns the default identity, or CodeNotFound if none is set.
func (s *Store) Default() (*Identity, error) {
	name, has, err := s.defaultName()
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, newErr(CodeNotFound, "", fmt.Errorf("no default identity is set"))
	}
	return s.Export(name)
}

func (s *Store) defaultName() (string, bool, error) {
	raw, err := s.kv.Get(bucketMeta, []byte(metaKeyDefault))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("keystore: default: %w", err)
	}
	return string(raw), true, nil
}

func (s *Store) put(id *Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("keystore: encode %q: %w", id.Name, err)
	}
	if err := s.kv.Put(bucketKeys, []byte(id.Name), raw); err != nil {
		return fmt.Errorf("keystore: put %q: %w", id.Name, err)
	}
	return nil
}
