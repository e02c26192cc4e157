package admin

import "testing"

func TestNewTokenSet(t *testing.T) {
	s, err := NewTokenSet([]Token{
		{Key: "admin-secret-1"},
		{Key: "viewer-secret-1", Scopes: []string{ScopeReadOnly}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 tokens, got %d", s.Len())
	}

	tok, ok := s.ValidateKey("admin-secret-1")
	if !ok {
		t.Fatal("expected admin token to validate")
	}
	if !tok.HasScope(ScopeAdmin) {
		t.Errorf("token without scopes should default to admin, got %v", tok.Scopes)
	}

	tok, ok = s.ValidateKey("viewer-secret-1")
	if !ok || tok.HasScope(ScopeAdmin) || !tok.HasScope(ScopeReadOnly) {
		t.Errorf("viewer token = %+v, %v", tok, ok)
	}

	if _, ok := s.ValidateKey("nope"); ok {
		t.Error("unknown key validated")
	}
	if _, ok := s.ValidateKey(""); ok {
		t.Error("empty key validated")
	}
}

func TestNewTokenSet_Errors(t *testing.T) {
	tests := []struct {
		name   string
		tokens []Token
	}{
		{"empty key", []Token{{Key: ""}}},
		{"duplicate", []Token{{Key: "same-secret"}, {Key: "same-secret"}}},
		{"unknown scope", []Token{{Key: "some-secret", Scopes: []string{"root"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenSet(tt.tokens); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTokenSet_ListHidesKeys(t *testing.T) {
	s, err := NewTokenSet([]Token{{Key: "admin-secret-1"}})
	if err != nil {
		t.Fatal(err)
	}
	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 token, got %d", len(list))
	}
	if list[0].Key != "" {
		t.Error("List leaked the key")
	}
	if list[0].ID == "" || list[0].ID == "admin-secret-1" {
		t.Errorf("unexpected id %q", list[0].ID)
	}

	again, _ := NewTokenSet([]Token{{Key: "admin-secret-1"}})
	if again.List()[0].ID != list[0].ID {
		t.Error("token id is not stable")
	}
}
