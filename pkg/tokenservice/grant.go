package tokenservice

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/adminuser"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/serviceaccount"
)

const (
	lockoutThreshold = 5
	lockoutDuration  = 15 * time.Minute
)

// ClientCredentialsGrant implements the machine-to-machine grant: look up
// the service account, verify its bcrypt secret hash, and check status and
// expiry before minting tokens.
func (s *Service) ClientCredentialsGrant(ctx context.Context, accounts *serviceaccount.Store, clientID, clientSecret string) (*IssuedTokens, error) {
	acct, err := accounts.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.KindInvalidCredentials, "invalid_client")
		}
		return nil, domain.WrapError(domain.KindInternal, "loading service account", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.SecretHash), []byte(clientSecret)); err != nil {
		return nil, domain.NewError(domain.KindInvalidCredentials, "invalid_client")
	}

	now := time.Now()
	if acct.Status != serviceaccount.StatusActive || acct.Expired(now) {
		return nil, domain.NewError(domain.KindInsufficientPerms, "access_denied")
	}

	tokens, err := s.issuePair(acct.ClientID, TypeServiceAccount, "", "")
	if err != nil {
		return nil, err
	}
	telemetry.TokensIssuedTotal.WithLabelValues("client_credentials").Inc()
	return tokens, nil
}

// PasswordGrant implements the human-admin grant, with account lockout: 5
// consecutive failures lock the account for 15 minutes; a success resets
// the window. Lockout state is tracked in Redis via the rate limiter,
// keyed by username.
func (s *Service) PasswordGrant(ctx context.Context, users *adminuser.Store, limiter *auth.RateLimiter, username, password string) (*IssuedTokens, error) {
	lockKey := "admin:" + username

	result, err := limiter.Check(ctx, lockKey)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "checking lockout", err)
	}
	if !result.Allowed {
		return nil, domain.NewError(domain.KindAccountLocked, "account locked until "+result.RetryAt.Format(time.RFC3339))
	}

	user, err := users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = limiter.Record(ctx, lockKey)
			return nil, domain.NewError(domain.KindInvalidCredentials, "invalid username or password")
		}
		return nil, domain.WrapError(domain.KindInternal, "loading admin user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		_ = limiter.Record(ctx, lockKey)
		return nil, domain.NewError(domain.KindInvalidCredentials, "invalid username or password")
	}

	if err := limiter.Reset(ctx, lockKey); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "resetting lockout", err)
	}

	tokens, err := s.issuePair(user.ID.String(), TypeAdminUser, user.Username, user.Role)
	if err != nil {
		return nil, err
	}
	telemetry.TokensIssuedTotal.WithLabelValues("password").Inc()
	return tokens, nil
}

func (s *Service) issuePair(subject, subjectType, username, role string) (*IssuedTokens, error) {
	access, err := s.issueAccessToken(subject, subjectType, username, role)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "issuing access token", err)
	}
	refresh, err := s.issueRefreshToken(subject)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "issuing refresh token", err)
	}
	return &IssuedTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
		IssuedAt:     time.Now(),
	}, nil
}
