// Package auth validates externally issued access tokens for HTTP requests
// and gateway connections. Token issuance (login, registration, 2FA) is
// out of scope; this package only implements the validation that the
// gateway and REST layers both delegate to.
package auth
