package auth

import (
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// TemporaryPasswordAlphabet omits characters that are easy to confuse when read
// aloud or copied by hand: 0 O o 1 I l.
const TemporaryPasswordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"

// TemporaryPasswordLength is the length of generated invitation credentials.
const TemporaryPasswordLength = 12

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GenerateTemporaryPassword returns a random credential drawn uniformly from
// TemporaryPasswordAlphabet.
func GenerateTemporaryPassword() (string, error) {
	max := big.NewInt(int64(len(TemporaryPasswordAlphabet)))
	out := make([]byte, TemporaryPasswordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = TemporaryPasswordAlphabet[n.Int64()]
	}
	return string(out), nil
}
