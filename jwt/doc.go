// Package jwt issues and verifies access and refresh tokens.
//
// Tokens are signed with RS256 when RSA key material is available and with
// HS256 otherwise. Every token carries a fresh jti, which callers use as the
// revocation handle; this package only performs structural validation and
// never consults revocation state.
//
// Parse failures are reduced to two sentinels, [ErrExpired] and
// [ErrMalformed], so callers can map them to distinct outcomes without
// inspecting library errors.
package jwt
