package tripsync

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Member identifies a collaborator in join and leave envelopes
type Member struct {
	MemberId    string
	MemberEmail string
}

// claims of a trip sync jwt
type ByJwt struct {
	MemberId    string
	MemberEmail string
}

func (self *ByJwt) Member() Member {
	return Member{
		MemberId:    self.MemberId,
		MemberEmail: self.MemberEmail,
	}
}

// the client does not hold the signing secret. The relay verifies.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func ParseByJwt(jwt string, secret []byte) (*ByJwt, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

// NewByJwt signs a member token with HS256. A zero ttl means no expiry.
func NewByJwt(member Member, secret []byte, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"member_id":    member.MemberId,
		"member_email": member.MemberEmail,
		"iat":          time.Now().Unix(),
	}
	if 0 < ttl {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func byJwtFromClaims(claims gojwt.MapClaims) (*ByJwt, error) {
	byJwt := &ByJwt{}

	memberId, ok := claims["member_id"].(string)
	if !ok || memberId == "" {
		return nil, errors.New("jwt does not have a member_id")
	}
	byJwt.MemberId = memberId

	if memberEmail, ok := claims["member_email"]; ok {
		switch v := memberEmail.(type) {
		case string:
			byJwt.MemberEmail = v
		default:
			return nil, fmt.Errorf("jwt has invalid member_email (%T)", v)
		}
	}

	return byJwt, nil
}
