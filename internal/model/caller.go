package model

// Caller is the signer set a host authenticated for one command. Signer is
// the submitting identity; CoSigners are extra identities that also signed.
type Caller struct {
	Signer    string   `json:"signer"`
	CoSigners []string `json:"co_signers,omitempty"`
}

// Signed reports whether id is among the caller's signers.
func (c Caller) Signed(id string) bool {
	if id == "" {
		return false
	}
	if c.Signer == id {
		return true
	}
	for _, s := range c.CoSigners {
		if s == id {
			return true
		}
	}
	return false
}

// All returns every distinct non-empty signer, Signer first.
func (c Caller) All() []string {
	out := make([]string, 0, 1+len(c.CoSigners))
	seen := make(map[string]bool, 1+len(c.CoSigners))
	for _, s := range append([]string{c.Signer}, c.CoSigners...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
