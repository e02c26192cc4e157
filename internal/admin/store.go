package admin

// Authenticator resolves a bearer credential to the token it belongs to.
// The static TokenSet implements this interface.
type Authenticator interface {
	ValidateKey(key string) (*Token, bool)
}
