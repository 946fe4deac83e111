// Package auth provides authentication and authorisation for the admin API.
//
// Operators are declared in configuration with an Argon2id password hash
// and one of three roles:
//   - viewer: read fleet state and twins
//   - operator: also start and stop devices and invoke device methods
//   - admin: also edit desired properties and read dead-lettered alerts
//
// A successful login returns a short-lived HS256 JWT carrying the role.
// Tokens are validated by signature only; there is no session store.
package auth
