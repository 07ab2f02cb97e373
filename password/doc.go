// Package password implements credential hashing and verification.
//
// # Output format
//
// New hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Legacy bcrypt hashes ($2a$, $2b$, $2y$) are accepted by [Verifier.Verify]
// so existing accounts keep working; [Verifier.NeedsRehash] reports them, and
// argon2id hashes produced with weaker parameters, so the caller can replace
// the stored hash after the next successful login.
//
// # Timing
//
// Every [Verifier.Verify] call sleeps for a random 0..8ms after comparing,
// whether the comparison short-circuited or not.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other finauth package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
