package tripsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestByJwt(t *testing.T) {
	secret := []byte("test-secret")
	member := Member{
		MemberId:    "m1",
		MemberEmail: "m1@example.com",
	}

	jwt, err := NewByJwt(member, secret, time.Hour)
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwt(jwt, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.Member(), member)

	unverified, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, unverified.Member(), member)

	_, err = ParseByJwt(jwt, []byte("other-secret"))
	assert.NotEqual(t, err, nil)

	_, err = ParseByJwtUnverified("not.a.jwt")
	assert.NotEqual(t, err, nil)
}

func TestByJwtExpired(t *testing.T) {
	secret := []byte("test-secret")
	jwt, err := NewByJwt(Member{MemberId: "m1"}, secret, -time.Minute)
	assert.Equal(t, err, nil)
	// a negative ttl is treated as no expiry
	_, err = ParseByJwt(jwt, secret)
	assert.Equal(t, err, nil)
}

func TestByJwtMissingMember(t *testing.T) {
	secret := []byte("test-secret")
	jwt, err := NewByJwt(Member{}, secret, 0)
	assert.Equal(t, err, nil)

	_, err = ParseByJwt(jwt, secret)
	assert.NotEqual(t, err, nil)
}
