package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andyleap/fincenter/internal/models"
)

// MemoryStorage keeps every repository in process memory. Records are
// copied on the way in and out so callers never share state with the store.
type MemoryStorage struct {
	clients      map[string]models.Client
	codes        map[string]models.AuthorizationCode
	tokens       map[string]models.Token
	consents     map[consentKey]models.InstitutionConsent
	transactions map[transactionKey]models.TransactionRecord
	mu           sync.RWMutex
}

type consentKey struct {
	subject, bankCode string
}

type transactionKey struct {
	date, id string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:      make(map[string]models.Client),
		codes:        make(map[string]models.AuthorizationCode),
		tokens:       make(map[string]models.Token),
		consents:     make(map[consentKey]models.InstitutionConsent),
		transactions: make(map[transactionKey]models.TransactionRecord),
	}
}

func (m *MemoryStorage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil, nil
	}
	client.Scopes = append([]string(nil), client.Scopes...)
	return &client, nil
}

func (m *MemoryStorage) SaveClient(ctx context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *client
	stored.Scopes = append([]string(nil), client.Scopes...)
	m.clients[client.ID] = stored
	return nil
}

func (m *MemoryStorage) ClientExists(ctx context.Context, clientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.clients[clientID]
	return exists, nil
}

func (m *MemoryStorage) SaveCode(ctx context.Context, code *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[code.Code] = *code
	return nil
}

func (m *MemoryStorage) GetCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.codes[code]
	if !exists {
		return nil, nil
	}
	return &stored, nil
}

func (m *MemoryStorage) MarkCodeUsed(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.codes[code]
	if !exists || stored.Used {
		return false, nil
	}
	stored.Used = true
	m.codes[code] = stored
	return true, nil
}

func (m *MemoryStorage) ReplaceCode(ctx context.Context, code *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, existing := range m.codes {
		if existing.ClientID == code.ClientID && existing.Subject == code.Subject && !existing.Used {
			delete(m.codes, key)
		}
	}
	m.codes[code.Code] = *code
	return nil
}

func (m *MemoryStorage) SaveToken(ctx context.Context, token *models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[token.ID]; exists {
		return fmt.Errorf("token %s: %w", token.ID, ErrDuplicate)
	}
	m.tokens[token.ID] = *token
	return nil
}

func (m *MemoryStorage) GetTokenByAccessHash(ctx context.Context, hash string) (*models.Token, error) {
	return m.findToken(func(t models.Token) bool { return t.AccessTokenHash == hash })
}

func (m *MemoryStorage) GetTokenByRefreshHash(ctx context.Context, hash string) (*models.Token, error) {
	if hash == "" {
		return nil, nil
	}
	return m.findToken(func(t models.Token) bool { return t.RefreshTokenHash == hash })
}

func (m *MemoryStorage) findToken(match func(models.Token) bool) (*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, token := range m.tokens {
		if match(token) {
			found := token
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[id]
	if !exists || token.Revoked {
		return false, nil
	}
	token.Revoked = true
	token.UpdatedAt = at
	m.tokens[id] = token
	return true, nil
}

func (m *MemoryStorage) RevokeActiveTokens(ctx context.Context, clientID, subject string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for id, token := range m.tokens {
		if token.ClientID != clientID || token.Subject != subject || token.Revoked {
			continue
		}
		token.Revoked = true
		token.UpdatedAt = at
		m.tokens[id] = token
		revoked++
	}
	return revoked, nil
}

func (m *MemoryStorage) ListActiveConsents(ctx context.Context, subject string) ([]models.InstitutionConsent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var consents []models.InstitutionConsent
	for key, consent := range m.consents {
		if key.subject == subject && consent.Status == models.ConsentActive {
			consents = append(consents, consent)
		}
	}
	sort.Slice(consents, func(i, j int) bool {
		return consents[i].BankCodeStd < consents[j].BankCodeStd
	})
	return consents, nil
}

func (m *MemoryStorage) GetConsent(ctx context.Context, subject, bankCodeStd string) (*models.InstitutionConsent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	consent, exists := m.consents[consentKey{subject, bankCodeStd}]
	if !exists {
		return nil, nil
	}
	return &consent, nil
}

// SaveConsent overwrites a consent record; used to seed or deactivate links.
func (m *MemoryStorage) SaveConsent(ctx context.Context, consent *models.InstitutionConsent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consents[consentKey{consent.Subject, consent.BankCodeStd}] = *consent
	return nil
}

func (m *MemoryStorage) CreateConsentIfAbsent(ctx context.Context, consent *models.InstitutionConsent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := consentKey{consent.Subject, consent.BankCodeStd}
	if _, exists := m.consents[key]; exists {
		return false, nil
	}
	m.consents[key] = *consent
	return true, nil
}

func (m *MemoryStorage) TransactionExists(ctx context.Context, date, transactionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.transactions[transactionKey{date, transactionID}]
	return exists, nil
}

func (m *MemoryStorage) InsertTransaction(ctx context.Context, record *models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := transactionKey{record.Date, record.TransactionID}
	if _, exists := m.transactions[key]; exists {
		return fmt.Errorf("transaction %s/%s: %w", record.Date, record.TransactionID, ErrDuplicate)
	}
	m.transactions[key] = *record
	return nil
}

func (m *MemoryStorage) CompleteTransaction(ctx context.Context, date, transactionID, rspCode, rspMessage string, latency time.Duration, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := transactionKey{date, transactionID}
	record, exists := m.transactions[key]
	if !exists {
		return fmt.Errorf("transaction %s/%s not found", date, transactionID)
	}
	record.Status = models.TransactionCompleted
	record.RspCode = rspCode
	record.RspMessage = rspMessage
	record.LatencyMillis = latency.Milliseconds()
	record.CompletedAt = completedAt
	m.transactions[key] = record
	return nil
}

// GetTransaction returns a logged transaction record.
func (m *MemoryStorage) GetTransaction(ctx context.Context, date, transactionID string) (*models.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.transactions[transactionKey{date, transactionID}]
	if !exists {
		return nil, nil
	}
	return &record, nil
}
