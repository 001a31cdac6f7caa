package refract

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// Challenge-response authentication. The server issues a random challenge,
// the client returns a keyed hash of it under the account's shared secret,
// and the server computes the same keyed hash from the stored credential and
// compares. The stored credential is the digest of the password, so the
// password itself never crosses the wire or lands in the store.

func NewChallenge() []byte {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		panic(err)
	}
	return challenge
}

// CredentialHash derives the stored credential (hex) from an account password.
func CredentialHash(password string) string {
	digest := md5.Sum([]byte(password))
	return hex.EncodeToString(digest[:])
}

// ChallengeResponse computes the keyed hash of challenge under the credential.
func ChallengeResponse(challenge []byte, credentialHash string) (string, error) {
	key, err := hex.DecodeString(credentialHash)
	if err != nil {
		return "", err
	}
	mac := hmac.New(md5.New, key)
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyChallenge checks a client response against the stored credential in
// constant time.
func VerifyChallenge(challenge []byte, credentialHash string, response string) bool {
	expected, err := ChallengeResponse(challenge, credentialHash)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}
