// Package policy evaluates whether an incoming entry's content should be
// fetched from the blob store.
package policy

import "bytes"

// KeyFilterKind discriminates the match rule a KeyFilter applies.
type KeyFilterKind int

const (
	KeyAny KeyFilterKind = iota
	KeyExact
	KeyPrefix
)

// KeyFilter matches a key by exact value, by prefix, or unconditionally.
type KeyFilter struct {
	Kind  KeyFilterKind
	Bytes []byte
}

// Matches reports whether key satisfies f.
func (f KeyFilter) Matches(key []byte) bool {
	switch f.Kind {
	case KeyAny:
		return true
	case KeyExact:
		return bytes.Equal(f.Bytes, key)
	case KeyPrefix:
		return bytes.HasPrefix(key, f.Bytes)
	default:
		return false
	}
}

// Kind discriminates the two DownloadPolicy shapes.
type Kind int

const (
	// EverythingExcept fetches every entry's content except those whose key
	// matches one of Filters.
	EverythingExcept Kind = iota
	// NothingExcept fetches only entries whose key matches one of Filters.
	NothingExcept
)

// DownloadPolicy decides whether an incoming non-tombstone entry should
// trigger a content fetch from the blob store.
type DownloadPolicy struct {
	Kind    Kind
	Filters []KeyFilter
}

// Default is EverythingExcept([]): fetch everything.
func Default() DownloadPolicy {
	return DownloadPolicy{Kind: EverythingExcept}
}

func (p DownloadPolicy) anyMatch(key []byte) bool {
	for _, f := range p.Filters {
		if f.Matches(key) {
			return true
		}
	}
	return false
}

// ShouldDownload evaluates the policy against an entry's key. Callers must
// check entry emptiness first: tombstones never trigger a download
// regardless of policy.
func (p DownloadPolicy) ShouldDownload(key []byte) bool {
	matched := p.anyMatch(key)
	switch p.Kind {
	case EverythingExcept:
		return !matched
	case NothingExcept:
		return matched
	default:
		return false
	}
}
