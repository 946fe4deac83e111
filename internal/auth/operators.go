package auth

import (
	"fmt"
	"sync"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// Directory holds the configured operators.
type Directory struct {
	operators map[string]*Operator

	// dummyOnce guards dummyHash, verified for unknown usernames so a
	// failed login takes as long whether or not the user exists.
	dummyOnce sync.Once
	dummyHash string
}

// NewDirectory validates the configured operators.
//
// Parameters:
//   - cfgs: Operator entries from security.operators
//
// Returns:
//   - *Directory: Lookup table keyed by username
//   - error: ErrInvalidOperator for a bad username, role, hash or duplicate
func NewDirectory(cfgs []config.OperatorConfig) (*Directory, error) {
	d := &Directory{operators: make(map[string]*Operator, len(cfgs))}
	for _, c := range cfgs {
		if !IsValidUsername(c.Username) {
			return nil, fmt.Errorf("%w: username %q", ErrInvalidOperator, c.Username)
		}
		if _, dup := d.operators[c.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate username %q", ErrInvalidOperator, c.Username)
		}
		role := Role(c.Role)
		if !IsValidRole(role) {
			return nil, fmt.Errorf("%w: %s has unknown role %q", ErrInvalidOperator, c.Username, c.Role)
		}
		if _, err := parsePHC(c.PasswordHash); err != nil {
			return nil, fmt.Errorf("%w: %s password hash: %w", ErrInvalidOperator, c.Username, err)
		}
		d.operators[c.Username] = &Operator{Username: c.Username, PasswordHash: c.PasswordHash, Role: role}
	}
	return d, nil
}

// Len returns the number of operators.
func (d *Directory) Len() int {
	return len(d.operators)
}

// Authenticate checks a username and password.
func (d *Directory) Authenticate(username, password string) (*Operator, error) {
	op, ok := d.operators[username]
	if !ok {
		d.dummyOnce.Do(func() {
			d.dummyHash, _ = HashPassword("twinline-dummy-password")
		})
		_, _ = VerifyPassword(password, d.dummyHash)
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, op.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	return op, nil
}
