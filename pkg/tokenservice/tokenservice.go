package tokenservice

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/keymanager"
)

// Service issues and validates bearer tokens. It holds no database
// connection itself — ClientCredentialsGrant and PasswordGrant in
// grant.go look up accounts via injected stores.
type Service struct {
	keys *keymanager.Manager
}

// New creates a token Service backed by the given Key Manager.
func New(keys *keymanager.Manager) *Service {
	return &Service{keys: keys}
}

// IssuedTokens is the response shape for both grant types.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	IssuedAt     time.Time
}

// issueAccessToken mints a 30-minute access token for subject of the given
// type, with optional human-admin context claims.
func (s *Service) issueAccessToken(subject, subjectType, username, role string) (string, error) {
	return s.sign(Claims{Subject: subject, Type: subjectType, Username: username, Role: role}, accessTokenTTL)
}

// issueRefreshToken mints a 7-day refresh token carrying only sub and type.
func (s *Service) issueRefreshToken(subject string) (string, error) {
	return s.sign(Claims{Subject: subject, Type: TypeRefresh}, refreshTokenTTL)
}

func (s *Service) sign(claims Claims, ttl time.Duration) (string, error) {
	priv, version, err := s.keys.CurrentPrivate()
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", version.String()),
	)
	if err != nil {
		return "", fmt.Errorf("tokenservice: creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:  claims.Subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		Issuer:   issuer,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("tokenservice: signing token: %w", err)
	}
	return token, nil
}

// Validated is the result of a successful Validate call.
type Validated struct {
	Claims     Claims
	KeyVersion uuid.UUID
}

// Validate parses raw, picks the matching key version from the Key Manager
// header, verifies the signature against that key (or, if no kid header is
// present, against every currently active public key), and checks exp/iss
// with clockSkew tolerance. expectedType, if non-empty, rejects any token
// whose type claim doesn't match (ErrTokenWrongType).
func (s *Service) Validate(raw string, expectedType string) (*Validated, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		telemetry.TokenValidationFailuresTotal.WithLabelValues("malformed").Inc()
		return nil, domain.WrapError(domain.KindInvalidToken, string(ErrTokenInvalid), err)
	}

	candidates := s.keyCandidates(tok)
	if len(candidates) == 0 {
		telemetry.TokenValidationFailuresTotal.WithLabelValues("no_active_key").Inc()
		return nil, domain.NewError(domain.KindInvalidToken, string(ErrTokenInvalid))
	}

	var registered jwt.Claims
	var custom Claims
	var verifiedVersion uuid.UUID
	verified := false
	for _, c := range candidates {
		if err := tok.Claims(c.pub, &registered, &custom); err == nil {
			verified = true
			verifiedVersion = c.version
			break
		}
	}
	if !verified {
		telemetry.TokenValidationFailuresTotal.WithLabelValues("bad_signature").Inc()
		return nil, domain.NewError(domain.KindInvalidToken, string(ErrTokenInvalid))
	}

	now := time.Now()
	if err := registered.ValidateWithLeeway(expectedClaims(now), clockSkew); err != nil {
		telemetry.TokenValidationFailuresTotal.WithLabelValues("expired").Inc()
		return nil, domain.WrapError(domain.KindTokenExpired, string(ErrTokenExpired), err)
	}

	if expectedType != "" && custom.Type != expectedType {
		telemetry.TokenValidationFailuresTotal.WithLabelValues("wrong_type").Inc()
		return nil, domain.NewError(domain.KindInvalidToken, string(ErrTokenWrongType))
	}

	return &Validated{Claims: custom, KeyVersion: verifiedVersion}, nil
}

type keyCandidate struct {
	pub     any
	version uuid.UUID
}

// keyCandidates returns the public keys to try verification against: the
// kid header's key if present and still verifiable, otherwise every
// currently active public key (spec 4.B: "verify signature against any
// currently active public key").
func (s *Service) keyCandidates(tok *jwt.JSONWebToken) []keyCandidate {
	for _, h := range tok.Headers {
		if h.KeyID == "" {
			continue
		}
		if kid, err := uuid.Parse(h.KeyID); err == nil {
			if pub, ok := s.keys.PublicKeyByVersion(kid); ok {
				return []keyCandidate{{pub: pub, version: kid}}
			}
		}
	}

	var out []keyCandidate
	for _, k := range s.keys.ActivePublicKeys() {
		if pub, ok := s.keys.PublicKeyByVersion(k.Version); ok {
			out = append(out, keyCandidate{pub: pub, version: k.Version})
		}
	}
	return out
}
