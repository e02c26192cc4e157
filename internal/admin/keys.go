package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// Token is a static admin credential.
type Token struct {
	// ID is a stable, non-secret identifier derived from the key.
	ID     string   `json:"id"`
	Key    string   `json:"-"`
	Scopes []string `json:"scopes"`
}

// HasScope reports whether t carries scope.
func (t *Token) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// TokenSet is an immutable set of admin tokens loaded from config.
type TokenSet struct {
	tokens []*Token
}

// NewTokenSet validates and indexes tokens. A token without scopes gets
// the admin scope.
func NewTokenSet(tokens []Token) (*TokenSet, error) {
	s := &TokenSet{tokens: make([]*Token, 0, len(tokens))}
	seen := make(map[string]bool, len(tokens))
	for i, t := range tokens {
		if t.Key == "" {
			return nil, fmt.Errorf("admin token %d: key is required", i)
		}
		if seen[t.Key] {
			return nil, errors.New("duplicate admin token")
		}
		seen[t.Key] = true

		scopes := slices.Clone(t.Scopes)
		if len(scopes) == 0 {
			scopes = []string{ScopeAdmin}
		}
		for _, sc := range scopes {
			if sc != ScopeAdmin && sc != ScopeReadOnly {
				return nil, fmt.Errorf("admin token %d: unknown scope %q", i, sc)
			}
		}
		sum := sha256.Sum256([]byte(t.Key))
		s.tokens = append(s.tokens, &Token{
			ID:     "tok-" + hex.EncodeToString(sum[:4]),
			Key:    t.Key,
			Scopes: scopes,
		})
	}
	return s, nil
}

// ValidateKey returns the token matching key. Every token is compared so
// the time taken does not depend on which one matched.
func (s *TokenSet) ValidateKey(key string) (*Token, bool) {
	var found *Token
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Key), []byte(key)) == 1 {
			found = t
		}
	}
	return found, found != nil
}

// List returns the tokens without their keys.
func (s *TokenSet) List() []Token {
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, Token{ID: t.ID, Scopes: slices.Clone(t.Scopes)})
	}
	return out
}

// Len returns the number of tokens.
func (s *TokenSet) Len() int {
	return len(s.tokens)
}
