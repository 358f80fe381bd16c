package auth

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
)

// KeyResolver maps a token's kid to its verification key. A miss may refresh
// the underlying cache once before giving up.
type KeyResolver interface {
	ResolveWithRefresh(ctx context.Context, kid string) (jwk.Key, error)
}

// VerifyToken checks the RS256 signature of raw against the key its header
// names and extracts the claims the authorization policy needs. `email` and
// `email_verified` are required; `hd` is optional.
func VerifyToken(ctx context.Context, keys KeyResolver, raw []byte) (Claims, error) {
	kid, err := keyID(raw)
	if err != nil {
		return Claims{}, err
	}

	key, err := keys.ResolveWithRefresh(ctx, kid)
	if err != nil {
		return Claims{}, err
	}

	token, err := jwt.Parse(raw, jwt.WithKey(jwa.RS256, key), jwt.WithValidate(true))
	if err != nil {
		return Claims{}, errors.Wrap(err, "token verification failed")
	}

	return extractClaims(token)
}

func keyID(raw []byte) (string, error) {
	msg, err := jws.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "could not parse token")
	}
	signatures := msg.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("token carries no signature")
	}
	kid := signatures[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return "", errors.New("token header carries no kid")
	}
	return kid, nil
}

func extractClaims(token jwt.Token) (Claims, error) {
	var claims Claims

	email, ok := token.Get("email")
	if !ok {
		return Claims{}, errors.New("token carries no email claim")
	}
	if claims.Email, ok = email.(string); !ok {
		return Claims{}, errors.New("token email claim is not a string")
	}

	verified, ok := token.Get("email_verified")
	if !ok {
		return Claims{}, errors.New("token carries no email_verified claim")
	}
	if claims.EmailVerified, ok = verified.(bool); !ok {
		return Claims{}, errors.New("token email_verified claim is not a boolean")
	}

	if hd, ok := token.Get("hd"); ok {
		if claims.HostedDomain, ok = hd.(string); !ok {
			return Claims{}, errors.New("token hd claim is not a string")
		}
	}

	return claims, nil
}
