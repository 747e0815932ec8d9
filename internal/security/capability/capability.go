// Package capability implements the capability token store (spec §4.4,
// C3): signed, persistable grants of specific permissions on a specific
// resource pattern. A lookup that would return an expired token evicts
// it in the same critical section instead of merely ignoring it, so the
// store never grows unbounded with dead tokens.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/crypto"
	"github.com/sentra-run/sentra/internal/security/kv"
	"github.com/sentra-run/sentra/internal/security/pattern"
)

// Scope bounds how long and where a token remains valid.
type Scope string

const (
	ScopeSession    Scope = "session"
	ScopeWorkspace  Scope = "workspace"
	ScopePersistent Scope = "persistent"
)

var (
	ErrAlreadyExists    = errors.New("capability: token id already exists")
	ErrInvalidSignature = errors.New("capability: invalid signature")
	ErrInvalidPattern   = errors.New("capability: invalid resource pattern")
)

// Token is a signed, persistable grant of permissions over a resource
// pattern.
type Token struct {
	ID             string             `json:"id"`
	PatternSource  string             `json:"pattern"`
	Permissions    []action.Permission `json:"permissions"`
	Scope          Scope              `json:"scope"`
	IssuerKeyID    crypto.KeyID       `json:"issuer_key_id"`
	AuditEntryID   string             `json:"audit_entry_id"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	RemainingUses  *int               `json:"remaining_uses,omitempty"`
	Signature      []byte             `json:"signature"`
}

// canonical returns the bytes signed over: every field but Signature.
func (t Token) canonical() []byte {
	buf := fmt.Sprintf("%s|%s|%v|%s|%s|%s|%d|%s|%v",
		t.ID, t.PatternSource, t.Permissions, t.Scope, t.IssuerKeyID, t.AuditEntryID,
		t.CreatedAt.UnixNano(), expiresString(t.ExpiresAt), remainingString(t.RemainingUses))
	return []byte(buf)
}

func expiresString(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func remainingString(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}

// New constructs and signs a capability token.
func New(kp crypto.KeyPair, resourcePattern string, perms []action.Permission, scope Scope, auditEntryID string, expiresAt *time.Time, remainingUses *int) (Token, error) {
	if _, err := pattern.New(resourcePattern); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	t := Token{
		ID:            ulid.Make().String(),
		PatternSource: resourcePattern,
		Permissions:   perms,
		Scope:         scope,
		IssuerKeyID:   kp.ID(),
		AuditEntryID:  auditEntryID,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
		RemainingUses: remainingUses,
	}
	t.Signature = kp.Sign(t.canonical())
	return t, nil
}

// Verify checks the token's signature against its claimed issuer key.
func (t Token) Verify(issuerPublicKey []byte) bool {
	return crypto.Verify(issuerPublicKey, t.canonical(), t.Signature)
}

// Expired reports whether the token has passed its expiry or exhausted
// its remaining-uses counter.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return true
	}
	if t.RemainingUses != nil && *t.RemainingUses <= 0 {
		return true
	}
	return false
}

// Covers reports whether this token's permission set includes perm.
func (t Token) Covers(perm action.Permission) bool {
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Hash is the content hash recorded in an audit entry's AuthorizationProof.
func (t Token) Hash() crypto.ContentHash {
	return crypto.Hash(t.canonical())
}

// Ref is the lightweight reference a caller gets back from FindMatching,
// avoiding a second store round-trip to learn id and hash.
type Ref struct {
	Token Token
	Hash  crypto.ContentHash
}

// Store holds capability tokens, namespaced under "capabilities:*" in the
// backing kv.Store. Safe for concurrent use: every mutating operation
// takes the store's write lock for its entire critical section.
type Store struct {
	mu          sync.Mutex
	backing     kv.Store
	issuerKeys  map[crypto.KeyID][]byte
	defaultKey  []byte
}

// NewStore constructs a capability store. issuerPublicKey is consulted for
// signature verification when a token's issuer key-id isn't otherwise
// known; call TrustKey to register additional issuers (e.g. after a key
// rotation).
func NewStore(backing kv.Store, issuerPublicKey []byte) *Store {
	return &Store{
		backing:    backing,
		issuerKeys: make(map[crypto.KeyID][]byte),
		defaultKey: issuerPublicKey,
	}
}

// TrustKey registers an additional issuer public key the store will
// accept signatures from.
func (s *Store) TrustKey(id crypto.KeyID, pub []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuerKeys[id] = pub
}

func (s *Store) keyFor(id crypto.KeyID) []byte {
	if pub, ok := s.issuerKeys[id]; ok {
		return pub
	}
	return s.defaultKey
}

func key(id string) string { return "capabilities:" + id }

// Add verifies the token's signature before accepting it, then persists
// it. Fails with ErrAlreadyExists on id collision, ErrInvalidSignature on
// a tampered token.
func (s *Store) Add(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Token
	if err := s.backing.Get(ctx, key(t.ID), &existing); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	if !t.Verify(s.keyFor(t.IssuerKeyID)) {
		return ErrInvalidSignature
	}

	return s.backing.Put(ctx, key(t.ID), t)
}

// FindMatching returns the first non-expired token whose pattern matches
// resource and whose permissions cover perm. A token found to be expired
// during the scan is removed in the same critical section.
func (s *Store) FindMatching(ctx context.Context, resource string, perm action.Permission) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var found *Ref
	var expiredIDs []string

	err := s.backing.Scan(ctx, "capabilities:", func(k string, data json.RawMessage) error {
		var t Token
		if err := json.Unmarshal(data, &t); err != nil {
			return nil
		}
		if t.Expired(now) {
			expiredIDs = append(expiredIDs, t.ID)
			return nil
		}
		if found != nil {
			return nil
		}
		p, err := pattern.New(t.PatternSource)
		if err != nil {
			return nil
		}
		if !p.Matches(resource) || !t.Covers(perm) {
			return nil
		}
		found = &Ref{Token: t, Hash: t.Hash()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range expiredIDs {
		_ = s.backing.Delete(ctx, key(id))
	}

	return found, nil
}

// FindMatchingAndConsume behaves like FindMatching but additionally
// decrements the matched token's remaining-uses counter (removing the
// token outright if that reaches zero), all under the same critical
// section a concurrent caller's lookup would otherwise race with.
// Tokens without a RemainingUses cap are left untouched.
func (s *Store) FindMatchingAndConsume(ctx context.Context, resource string, perm action.Permission) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var found *Token
	var expiredIDs []string

	err := s.backing.Scan(ctx, "capabilities:", func(k string, data json.RawMessage) error {
		var t Token
		if err := json.Unmarshal(data, &t); err != nil {
			return nil
		}
		if t.Expired(now) {
			expiredIDs = append(expiredIDs, t.ID)
			return nil
		}
		if found != nil {
			return nil
		}
		p, err := pattern.New(t.PatternSource)
		if err != nil {
			return nil
		}
		if !p.Matches(resource) || !t.Covers(perm) {
			return nil
		}
		found = &t
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range expiredIDs {
		_ = s.backing.Delete(ctx, key(id))
	}

	if found == nil {
		return nil, nil
	}

	ref := &Ref{Token: *found, Hash: found.Hash()}

	if found.RemainingUses != nil {
		remaining := *found.RemainingUses - 1
		if remaining <= 0 {
			if err := s.backing.Delete(ctx, key(found.ID)); err != nil {
				return nil, err
			}
		} else {
			found.RemainingUses = &remaining
			if err := s.backing.Put(ctx, key(found.ID), *found); err != nil {
				return nil, err
			}
		}
	}

	return ref, nil
}

// Remove deletes a token by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Delete(ctx, key(id))
}

// List returns every stored token, expired or not.
func (s *Store) List(ctx context.Context) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []Token
	err := s.backing.Scan(ctx, "capabilities:", func(k string, data json.RawMessage) error {
		var t Token
		if err := json.Unmarshal(data, &t); err != nil {
			return nil
		}
		tokens = append(tokens, t)
		return nil
	})
	return tokens, err
}
