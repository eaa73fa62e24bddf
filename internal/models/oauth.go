package models

import (
	"time"
)

// Client represents a registered third-party application
type Client struct {
	ID          string    `json:"client_id" yaml:"client_id"`
	Name        string    `json:"name" yaml:"name"`
	SecretHash  string    `json:"secret_hash" yaml:"-"`
	RedirectURI string    `json:"redirect_uri" yaml:"redirect_uri"`
	Scopes      []string  `json:"scopes" yaml:"scopes"`
	UseCode     string    `json:"use_code" yaml:"use_code"`
	Active      bool      `json:"active" yaml:"active"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// AuthorizationCode represents a single-use authorization code
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	Subject     string    `json:"user_seq_no,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope"`
	State       string    `json:"state,omitempty"`
	ClientInfo  string    `json:"client_info,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
}

func (c AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Token is the persisted state of an issued access/refresh pair. Raw token
// values are never stored, only their hashes.
type Token struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	Subject          string    `json:"user_seq_no,omitempty"`
	Scope            string    `json:"scope"`
	AccessTokenHash  string    `json:"access_token_hash"`
	RefreshTokenHash string    `json:"refresh_token_hash,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	Revoked          bool      `json:"revoked"`
	TransactionID    string    `json:"bank_tran_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (t Token) HasRefresh() bool {
	return t.RefreshTokenHash != ""
}

// TokenPair is what the token endpoint returns
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	UserSeqNo    string `json:"user_seq_no,omitempty"`
}
