package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/storage"
)

const (
	CodeTTL           = 10 * time.Minute
	DefaultAccessTTL  = 2160 * time.Hour
	DefaultRefreshTTL = 2400 * time.Hour

	TokenType = "Bearer"

	tokenAPIName   = "oauth/token"
	codeBytes      = 32
	successCode    = "A0000"
	successMessage = "success"
)

// TransactionIssuer issues audit transaction ids for token mints.
type TransactionIssuer interface {
	GenerateFor(ctx context.Context, useCode, apiName, subject string) (ident.TransactionID, error)
	Complete(ctx context.Context, id ident.TransactionID, rspCode, rspMessage string, latency time.Duration) error
}

type Options struct {
	Registry   *Registry
	Codes      storage.CodeStorage
	Tokens     storage.TokenStorage
	Signer     *Signer
	TxIDs      TransactionIssuer
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Service runs the authorization code and token lifecycle.
type Service struct {
	registry   *Registry
	codes      storage.CodeStorage
	tokens     storage.TokenStorage
	signer     *Signer
	txIDs      TransactionIssuer
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Codes == nil || opts.Tokens == nil || opts.Signer == nil || opts.TxIDs == nil {
		return nil, errors.New("oauth: registry, code store, token store, signer and transaction issuer are required")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		registry:   opts.Registry,
		codes:      opts.Codes,
		tokens:     opts.Tokens,
		signer:     opts.Signer,
		txIDs:      opts.TxIDs,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        opts.Now,
		logger:     opts.Logger,
	}, nil
}

// ValidateAuthorizationRequest checks the client and its redirect URI before
// anything is redirected back to it.
func (s *Service) ValidateAuthorizationRequest(ctx context.Context, clientID, redirectURI string) (*models.Client, error) {
	client, err := s.registry.ValidateClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := MatchRedirectURI(client.RedirectURI, redirectURI); err != nil {
		return nil, err
	}
	return client, nil
}

type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	Scope       string
	Subject     string
	State       string
	ClientInfo  string
}

// IssueAuthorizationCode replaces any unused code for (client, subject) with
// a fresh one.
func (s *Service) IssueAuthorizationCode(ctx context.Context, req AuthorizeRequest) (*models.AuthorizationCode, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	scopes, err := ParseScope(req.Scope)
	if err != nil {
		return nil, err
	}
	if err := checkGranted(client, scopes); err != nil {
		return nil, err
	}

	value, err := generateRandomCode(codeBytes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	code := &models.AuthorizationCode{
		Code:        value,
		ClientID:    client.ID,
		Subject:     req.Subject,
		RedirectURI: strings.TrimSpace(req.RedirectURI),
		Scope:       strings.Join(scopes, scopeSeparator),
		State:       req.State,
		ClientInfo:  req.ClientInfo,
		CreatedAt:   now,
		ExpiresAt:   now.Add(CodeTTL),
	}
	if err := s.codes.ReplaceCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Info("Authorization code issued", "client_id", client.ID, "user_seq_no", req.Subject, "scope", code.Scope)
	return code, nil
}

// ExchangeCode consumes an authorization code and mints a token pair. Prior
// tokens for the same client and subject are revoked. Nothing is consumed or
// revoked unless the new pair could be issued.
func (s *Service) ExchangeCode(ctx context.Context, code, clientID, secret, redirectURI string) (*models.TokenPair, error) {
	client, err := s.registry.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}

	stored, err := s.codes.GetCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	if stored == nil || stored.Used {
		return nil, apperr.New(apperr.CodeNotFound, "authorization code not found or already used")
	}
	if stored.Expired(s.now()) {
		return nil, apperr.New(apperr.CodeExpired, "authorization code has expired")
	}
	if stored.ClientID != client.ID || MatchRedirectURI(stored.RedirectURI, redirectURI) != nil {
		return nil, apperr.New(apperr.CodeMismatch, "authorization code was issued to a different client or redirect_uri")
	}

	issued, err := s.prepare(ctx, client, stored.Subject, stored.Scope, stored.Subject != "")
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, issued, func() error {
		won, err := s.codes.MarkCodeUsed(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to consume authorization code: %w", err)
		}
		if !won {
			return apperr.New(apperr.CodeNotFound, "authorization code not found or already used")
		}
		return s.revokeActive(ctx, client.ID, stored.Subject, issued.token.CreatedAt)
	})
}

// Refresh rotates a refresh token into a new pair with the same subject and
// scope.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID, secret string) (*models.TokenPair, error) {
	client, err := s.registry.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}

	record, err := s.tokens.GetTokenByRefreshHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if record == nil || record.Revoked {
		return nil, apperr.New(apperr.RefreshTokenNotFound, "refresh token not found or revoked")
	}
	now := s.now()
	if !now.Before(record.RefreshExpiresAt) {
		return nil, apperr.New(apperr.RefreshTokenExpired, "refresh token has expired")
	}
	if record.ClientID != client.ID {
		return nil, apperr.New(apperr.ClientMismatch, "refresh token was issued to a different client")
	}

	if _, err := s.signer.Verify(refreshToken, KindRefresh, now); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.RefreshTokenExpired, "refresh token has expired")
		}
		return nil, apperr.Wrap(apperr.RefreshTokenNotFound, "refresh token is not valid", err)
	}

	issued, err := s.prepare(ctx, client, record.Subject, record.Scope, true)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, issued, func() error {
		won, err := s.tokens.RevokeToken(ctx, record.ID, issued.token.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to revoke refreshed token: %w", err)
		}
		if !won {
			return apperr.New(apperr.RefreshTokenNotFound, "refresh token not found or revoked")
		}
		return nil
	})
}

// IssueClientCredentials mints a subject-less access token. The scope must be
// exactly "oob".
func (s *Service) IssueClientCredentials(ctx context.Context, clientID, secret, scope string) (*models.TokenPair, error) {
	client, err := s.registry.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	if scope != ClientCredentialsScope {
		return nil, apperr.New(apperr.InvalidScope, "client_credentials requires scope oob")
	}

	issued, err := s.prepare(ctx, client, "", scope, false)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, issued, func() error {
		return s.revokeActive(ctx, client.ID, "", issued.token.CreatedAt)
	})
}

// Authenticate returns the persisted record of a valid access token.
func (s *Service) Authenticate(ctx context.Context, token string) (record *models.Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			record = nil
			err = apperr.New(apperr.InvalidToken, fmt.Sprintf("token validation failed: %v", r))
		}
	}()

	now := s.now()
	claims, err := s.signer.Verify(token, KindAccess, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidToken, "access token is not valid", err)
	}

	record, err = s.tokens.GetTokenByAccessHash(ctx, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	switch {
	case record == nil:
		return nil, apperr.New(apperr.InvalidToken, "access token is unknown")
	case record.Revoked:
		return nil, apperr.New(apperr.InvalidToken, "access token has been revoked")
	case !now.Before(record.AccessExpiresAt):
		return nil, apperr.New(apperr.InvalidToken, "access token has expired")
	case record.ClientID != claims.ClientID:
		return nil, apperr.New(apperr.InvalidToken, "access token claims do not match its record")
	}
	return record, nil
}

func (s *Service) ValidateAccessToken(ctx context.Context, token string) bool {
	_, err := s.Authenticate(ctx, token)
	if err != nil && !apperr.Is(err, apperr.InvalidToken) {
		s.logger.Warn("Access token validation failed", "error", err)
	}
	return err == nil
}

// RevokeAccessToken revokes the pair an access token belongs to. Unknown
// tokens are ignored.
func (s *Service) RevokeAccessToken(ctx context.Context, token string) error {
	return s.revoke(ctx, token, "")
}

// RevokeClientToken revokes a token on behalf of the client it was issued
// to. Tokens of other clients are left alone without reporting an error.
func (s *Service) RevokeClientToken(ctx context.Context, clientID, secret, token string) error {
	client, err := s.registry.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		return err
	}
	return s.revoke(ctx, token, client.ID)
}

func (s *Service) revoke(ctx context.Context, token, owner string) error {
	record, err := s.tokens.GetTokenByAccessHash(ctx, hashToken(token))
	if err != nil {
		return fmt.Errorf("failed to load access token: %w", err)
	}
	if record == nil || record.Revoked {
		return nil
	}
	if owner != "" && record.ClientID != owner {
		s.logger.Warn("Client attempted to revoke a foreign token", "client_id", owner, "owner", record.ClientID)
		return nil
	}
	if _, err := s.tokens.RevokeToken(ctx, record.ID, s.now()); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	s.logger.Info("Access token revoked", "client_id", record.ClientID, "user_seq_no", record.Subject)
	return nil
}

func (s *Service) revokeActive(ctx context.Context, clientID, subject string, at time.Time) error {
	n, err := s.tokens.RevokeActiveTokens(ctx, clientID, subject, at)
	if err != nil {
		return fmt.Errorf("failed to revoke prior tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info("Revoked prior tokens", "client_id", clientID, "user_seq_no", subject, "count", n)
	}
	return nil
}

// issuance is a signed pair whose record has not been persisted yet.
type issuance struct {
	txID  ident.TransactionID
	start time.Time
	token *models.Token
	pair  *models.TokenPair
}

// prepare does every step of a mint that can fail without side effects on
// codes or tokens: the audit transaction id and both signatures.
func (s *Service) prepare(ctx context.Context, client *models.Client, subject, scope string, withRefresh bool) (*issuance, error) {
	start := s.now()
	txID, err := s.txIDs.GenerateFor(ctx, client.UseCode, tokenAPIName, subject)
	if err != nil {
		return nil, err
	}
	issued := &issuance{txID: txID, start: start}

	if err := s.sign(issued, client, subject, scope, withRefresh); err != nil {
		s.complete(ctx, issued, err)
		return nil, err
	}
	return issued, nil
}

func (s *Service) sign(issued *issuance, client *models.Client, subject, scope string, withRefresh bool) error {
	now := s.now()
	accessExpiry := now.Add(s.accessTTL)

	access, err := s.signer.Sign(KindAccess, client.ID, subject, scope, now, accessExpiry)
	if err != nil {
		return err
	}

	issued.token = &models.Token{
		ID:              uuid.NewString(),
		ClientID:        client.ID,
		Subject:         subject,
		Scope:           scope,
		AccessTokenHash: hashToken(access),
		AccessExpiresAt: accessExpiry,
		TransactionID:   issued.txID.Value,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	issued.pair = &models.TokenPair{
		AccessToken: access,
		TokenType:   TokenType,
		ExpiresIn:   int64(s.accessTTL / time.Second),
		Scope:       scope,
		UserSeqNo:   subject,
	}

	if withRefresh {
		refreshExpiry := now.Add(s.refreshTTL)
		refresh, err := s.signer.Sign(KindRefresh, client.ID, subject, scope, now, refreshExpiry)
		if err != nil {
			return err
		}
		issued.token.RefreshTokenHash = hashToken(refresh)
		issued.token.RefreshExpiresAt = refreshExpiry
		issued.pair.RefreshToken = refresh
	}
	return nil
}

// commit runs consume (code use, revocations), then persists the new pair.
// The transaction id is completed with the outcome either way.
func (s *Service) commit(ctx context.Context, issued *issuance, consume func() error) (*models.TokenPair, error) {
	err := consume()
	if err == nil {
		if serr := s.tokens.SaveToken(ctx, issued.token); serr != nil {
			err = fmt.Errorf("failed to save token: %w", serr)
		}
	}
	s.complete(ctx, issued, err)
	if err != nil {
		return nil, err
	}

	t := issued.token
	s.logger.Info("Token issued", "client_id", t.ClientID, "user_seq_no", t.Subject, "scope", t.Scope, "bank_tran_id", issued.txID.Value)
	return issued.pair, nil
}

func (s *Service) complete(ctx context.Context, issued *issuance, err error) {
	rspCode, rspMessage := successCode, successMessage
	if err != nil {
		appErr := apperr.From(err)
		rspCode, rspMessage = appErr.Code, appErr.Message
	}
	if cerr := s.txIDs.Complete(ctx, issued.txID, rspCode, rspMessage, s.now().Sub(issued.start)); cerr != nil {
		s.logger.Warn("Failed to complete transaction record", "bank_tran_id", issued.txID.Value, "error", cerr)
	}
}

// BuildRedirectURL builds the callback URL for an issued code
func BuildRedirectURL(redirectURI string, code *models.AuthorizationCode) string {
	u, err := url.Parse(strings.TrimSpace(redirectURI))
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code.Code)
	q.Set("scope", code.Scope)
	if code.ClientInfo != "" {
		q.Set("client_info", code.ClientInfo)
	}
	if code.State != "" {
		q.Set("state", code.State)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// BuildErrorRedirectURL builds a callback URL with error information
func BuildErrorRedirectURL(redirectURI, errorCode, errorDescription, state string) string {
	u, err := url.Parse(strings.TrimSpace(redirectURI))
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("error", errorCode)
	if errorDescription != "" {
		q.Set("error_description", errorDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func generateRandomCode(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
