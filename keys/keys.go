// Package keys holds the ed25519 key material for namespaces and authors.
//
// A Namespace identifies a replica; possession of its secret key grants
// Write capability, possession of only the public key grants Read
// capability. An Author identifies a local writer; authors are minted
// freely and are never globally registered.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// PublicKeySize is the byte length of a namespace or author public key.
	PublicKeySize = ed25519.PublicKeySize
	// PrivateKeySize is the byte length of a namespace or author secret key.
	PrivateKeySize = ed25519.PrivateKeySize
)

// NamespaceId is the public key identifying a replica.
type NamespaceId [PublicKeySize]byte

func (n NamespaceId) String() string { return hex.EncodeToString(n[:]) }
func (n NamespaceId) Bytes() []byte  { return n[:] }

// AuthorId is the public key identifying a local writer.
type AuthorId [PublicKeySize]byte

func (a AuthorId) String() string { return hex.EncodeToString(a[:]) }
func (a AuthorId) Bytes() []byte  { return a[:] }

// Capability describes the authority a node holds over a namespace.
type Capability int

const (
	// Read grants the ability to accept and verify entries but not mint
	// new ones locally.
	Read Capability = iota
	// Write grants local insert/delete capability; implies Read.
	Write
)

func (c Capability) String() string {
	if c == Write {
		return "write"
	}
	return "read"
}

// NamespaceSecret is a namespace's full ed25519 keypair (Write capability).
type NamespaceSecret struct {
	public  NamespaceId
	private ed25519.PrivateKey
}

// NewNamespace mints a fresh namespace keypair.
func NewNamespace() (NamespaceSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NamespaceSecret{}, fmt.Errorf("keys: generate namespace: %w", err)
	}
	var id NamespaceId
	copy(id[:], pub)
	return NamespaceSecret{public: id, private: priv}, nil
}

// ImportNamespaceSecret rebuilds a namespace keypair from a 32-byte seed.
func ImportNamespaceSecret(seed []byte) (NamespaceSecret, error) {
	if len(seed) != ed25519.SeedSize {
		return NamespaceSecret{}, fmt.Errorf("keys: namespace seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var id NamespaceId
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return NamespaceSecret{public: id, private: priv}, nil
}

func (n NamespaceSecret) Id() NamespaceId { return n.public }

// Sign computes the namespace signature over the canonical entry bytes.
func (n NamespaceSecret) Sign(canonical []byte) []byte {
	return ed25519.Sign(n.private, canonical)
}

// Seed returns the 32-byte seed this keypair was derived from, for
// persistence and for export onto share tickets.
func (n NamespaceSecret) Seed() []byte {
	return n.private.Seed()
}

// AuthorSecret is an author's full ed25519 keypair.
type AuthorSecret struct {
	public  AuthorId
	private ed25519.PrivateKey
}

// NewAuthor mints a fresh author keypair.
func NewAuthor() (AuthorSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return AuthorSecret{}, fmt.Errorf("keys: generate author: %w", err)
	}
	var id AuthorId
	copy(id[:], pub)
	return AuthorSecret{public: id, private: priv}, nil
}

// ImportAuthorSecret rebuilds an author keypair from a 32-byte seed.
func ImportAuthorSecret(seed []byte) (AuthorSecret, error) {
	if len(seed) != ed25519.SeedSize {
		return AuthorSecret{}, fmt.Errorf("keys: author seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var id AuthorId
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return AuthorSecret{public: id, private: priv}, nil
}

func (a AuthorSecret) Id() AuthorId { return a.public }

// Sign computes the author signature over the canonical entry bytes.
func (a AuthorSecret) Sign(canonical []byte) []byte {
	return ed25519.Sign(a.private, canonical)
}

func (a AuthorSecret) Seed() []byte {
	return a.private.Seed()
}

// VerifyNamespace verifies sig was produced by id over canonical.
func VerifyNamespace(id NamespaceId, canonical, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), canonical, sig)
}

// VerifyAuthor verifies sig was produced by id over canonical.
func VerifyAuthor(id AuthorId, canonical, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), canonical, sig)
}
