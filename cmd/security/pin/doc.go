// Package pin hashes and verifies session PINs at rest.
//
// It uses Argon2id with a PHC-like encoded string:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Security notes:
//   - The PIN space is 10^4, so hashing only protects a leaked row against casual
//     reading. Online guessing MUST be throttled by the caller.
//   - Hash strings are treated as untrusted input during Verify.
//   - Verify compares keys in constant time.
package pin
