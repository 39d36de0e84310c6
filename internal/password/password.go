// Package password hashes and checks credentials with bcrypt. No HTTP
// handler in this repository calls it in production — account
// creation and login happen upstream of this service — but
// store.Repository.CreateUser takes a password hash, and this package
// is the repository's way to produce one.
package password

import "golang.org/x/crypto/bcrypt"

// Hash bcrypt-hashes a plaintext password at the default cost.
func Hash(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// Matches reports whether plain hashes to hash.
func Matches(hash []byte, plain string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}
