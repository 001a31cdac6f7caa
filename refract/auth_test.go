package refract

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChallengeResponseRoundTrip(t *testing.T) {
	credential := CredentialHash("hunter2")
	challenge := NewChallenge()
	assert.Equal(t, len(challenge), ChallengeSize)

	response, err := ChallengeResponse(challenge, credential)
	assert.Equal(t, err, nil)
	assert.Equal(t, VerifyChallenge(challenge, credential, response), true)

	// same password, different challenge
	assert.Equal(t, VerifyChallenge(NewChallenge(), credential, response), false)
	// different password, same challenge
	assert.Equal(t, VerifyChallenge(challenge, CredentialHash("hunter3"), response), false)
	assert.Equal(t, VerifyChallenge(challenge, credential, ""), false)
}

func TestCredentialHashStable(t *testing.T) {
	assert.Equal(t, CredentialHash("hunter2"), CredentialHash("hunter2"))
	assert.NotEqual(t, CredentialHash("hunter2"), CredentialHash("Hunter2"))
	assert.Equal(t, IsHexToken(CredentialHash("hunter2"), HashSize), true)
}

func TestVerifyChallengeBadCredential(t *testing.T) {
	// a corrupt stored credential can never verify
	challenge := NewChallenge()
	assert.Equal(t, VerifyChallenge(challenge, "not hex", "00"), false)

	_, err := ChallengeResponse(challenge, "not hex")
	assert.NotEqual(t, err, nil)
}
