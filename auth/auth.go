// Package auth implements C9's server side: issuing and validating
// short-lived auth tokens, minting agents, and rotating keys on
// refresh, generalizing boulder's registration-authority flow
// (ra/registration-authority.go's NewRegistration minting an account
// id and persisting it via the storage authority) to BTPS's
// agent-minting and refresh-token rotation flow.
package auth

import (
	"time"

	"github.com/jmhodges/clock"

	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/token"
	"github.com/openbtps/btps-node-sub001/trust"
)

const (
	defaultAuthTTL    = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Service implements the server-side half of C9.
type Service struct {
	AuthTokens    token.Store
	RefreshTokens token.Store
	TrustStore    trust.Store
	Clock         clock.Clock

	AuthTTL    time.Duration
	RefreshTTL time.Duration
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

func (s *Service) authTTL() time.Duration {
	if s.AuthTTL > 0 {
		return s.AuthTTL
	}
	return defaultAuthTTL
}

func (s *Service) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return defaultRefreshTTL
}

// StoreAuthToken persists an auth token for userIdentity with the
// service's auth TTL.
func (s *Service) StoreAuthToken(tok, userIdentity string, metadata map[string]string) error {
	now := s.now()
	return s.AuthTokens.Store(token.Record{
		Token:        tok,
		Holder:       userIdentity,
		UserIdentity: userIdentity,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.authTTL()),
		Metadata:     metadata,
	})
}

// ValidationResult is what ValidateAuthToken returns on success.
type ValidationResult struct {
	IsValid      bool
	UserIdentity string
}

// ValidateAuthToken looks up a (userIdentity, token) pair and consumes
// it: a valid token is single-use, so it is removed on success too.
// Not-found or expired surfaces as AUTHENTICATION_INVALID.
func (s *Service) ValidateAuthToken(userIdentity, tok string) (ValidationResult, error) {
	rec, err := s.AuthTokens.Get(userIdentity, tok)
	if err != nil {
		return ValidationResult{}, berrors.AuthenticationInvalidError("auth token invalid or expired")
	}
	_ = s.AuthTokens.Remove(userIdentity, tok)
	return ValidationResult{IsValid: true, UserIdentity: rec.UserIdentity}, nil
}

// CreateAgentRequest carries the inputs spec section 4.8's createAgent
// operation needs.
type CreateAgentRequest struct {
	UserIdentity  string
	PublicKeyPEM  []byte
	AgentInfo     map[string]string
	DecidedBy     string
	PrivacyType   trust.PrivacyType
	TrustExpiryMs int64
}

// CreateAgentResult is what CreateAgent returns: the minted agent id,
// its first refresh token, and when that refresh token expires.
type CreateAgentResult struct {
	AgentID      string
	RefreshToken string
	ExpiresAt    time.Time
}

// CreateAgent mints an agentId, creates an accepted trust record
// (agentId -> userIdentity) with the given public key's fingerprint,
// issues a refresh token stored under (agentId, token), and returns
// the triple the client needs to start a session.
func (s *Service) CreateAgent(req CreateAgentRequest) (CreateAgentResult, error) {
	fp, err := cryptoprim.KeyFingerprint(req.PublicKeyPEM)
	if err != nil {
		return CreateAgentResult{}, berrors.Wrap(berrors.ResolvePubkey, err, "fingerprint agent public key")
	}
	agentID := cryptoprim.GenerateAgentID()
	now := s.now()

	privacy := req.PrivacyType
	if privacy == "" {
		privacy = trust.PrivacyUnencrypted
	}

	var expiresAt *time.Time
	if req.TrustExpiryMs > 0 {
		e := now.Add(time.Duration(req.TrustExpiryMs) * time.Millisecond)
		expiresAt = &e
	}

	id := trust.ID(agentID, req.UserIdentity)
	if _, err := s.TrustStore.Create(id, trust.Record{
		SenderID:             agentID,
		ReceiverID:           req.UserIdentity,
		Status:               trust.StatusAccepted,
		CreatedAt:            now,
		DecidedBy:            req.DecidedBy,
		DecidedAt:            &now,
		ExpiresAt:            expiresAt,
		PublicKeyBase64:      cryptoprim.EncodeBase64PEM(req.PublicKeyPEM),
		PublicKeyFingerprint: fp,
		PrivacyType:          privacy,
	}); err != nil {
		return CreateAgentResult{}, err
	}

	refresh, err := cryptoprim.GenerateRefreshToken(0)
	if err != nil {
		return CreateAgentResult{}, err
	}
	refreshExpiresAt := now.Add(s.refreshTTL())
	if err := s.RefreshTokens.Store(token.Record{
		Token:        refresh,
		Holder:       agentID,
		UserIdentity: req.UserIdentity,
		CreatedAt:    now,
		ExpiresAt:    refreshExpiresAt,
		Metadata:     req.AgentInfo,
	}); err != nil {
		return CreateAgentResult{}, err
	}

	return CreateAgentResult{AgentID: agentID, RefreshToken: refresh, ExpiresAt: refreshExpiresAt}, nil
}

// RefreshOptions optionally rotates the agent's public key on refresh.
type RefreshOptions struct {
	NewPublicKeyPEM []byte
}

// RefreshResult is what ValidateAndReissueRefreshToken returns.
type RefreshResult struct {
	RefreshToken string
	ExpiresAt    time.Time
}

// ValidateAndReissueRefreshToken validates the refresh token under
// (agentId, refreshToken), optionally rotates the agent's public key in
// the trust record (appending the prior fingerprint to keyHistory),
// extends expiresAt, removes the old refresh token, and issues a new
// one.
func (s *Service) ValidateAndReissueRefreshToken(agentID, refreshToken string, opts RefreshOptions) (RefreshResult, error) {
	rec, err := s.RefreshTokens.Get(agentID, refreshToken)
	if err != nil {
		return RefreshResult{}, berrors.AuthenticationInvalidError("refresh token invalid or expired")
	}

	trustID := trust.ID(agentID, rec.UserIdentity)
	now := s.now()

	if len(opts.NewPublicKeyPEM) > 0 {
		existing, err := s.TrustStore.GetByID(trustID)
		if err != nil {
			return RefreshResult{}, err
		}
		newFP, err := cryptoprim.KeyFingerprint(opts.NewPublicKeyPEM)
		if err != nil {
			return RefreshResult{}, berrors.Wrap(berrors.ResolvePubkey, err, "fingerprint rotated agent public key")
		}
		newBase64 := cryptoprim.EncodeBase64PEM(opts.NewPublicKeyPEM)
		if _, err := s.TrustStore.Update(trustID, trust.Patch{
			PublicKeyBase64:      &newBase64,
			PublicKeyFingerprint: &newFP,
			AppendKeyHistory: &trust.KeyHistoryEntry{
				Fingerprint: existing.PublicKeyFingerprint,
				LastSeen:    now,
			},
		}); err != nil {
			return RefreshResult{}, err
		}
	}

	expiresAt := now.Add(s.refreshTTL())
	newToken, err := cryptoprim.GenerateRefreshToken(0)
	if err != nil {
		return RefreshResult{}, err
	}
	if err := s.RefreshTokens.Store(token.Record{
		Token: newToken, Holder: agentID, UserIdentity: rec.UserIdentity,
		CreatedAt: now, ExpiresAt: expiresAt, Metadata: rec.Metadata,
	}); err != nil {
		return RefreshResult{}, err
	}
	_ = s.RefreshTokens.Remove(agentID, refreshToken)

	return RefreshResult{RefreshToken: newToken, ExpiresAt: expiresAt}, nil
}
