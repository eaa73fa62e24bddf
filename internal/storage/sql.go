package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type tokenRecord struct {
	bun.BaseModel `bun:"table:oauth_tokens,alias:ot"`

	ID               string    `bun:"id,pk"`
	ClientID         string    `bun:"client_id,notnull"`
	Subject          string    `bun:"subject,notnull"`
	Scope            string    `bun:"scope,notnull"`
	AccessTokenHash  string    `bun:"access_token_hash,notnull,unique"`
	RefreshTokenHash string    `bun:"refresh_token_hash,notnull"`
	AccessExpiresAt  time.Time `bun:"access_expires_at,notnull"`
	RefreshExpiresAt time.Time `bun:"refresh_expires_at,nullzero"`
	Revoked          bool      `bun:"revoked,notnull"`
	TransactionID    string    `bun:"bank_tran_id,notnull"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

func newTokenRecord(t *models.Token) *tokenRecord {
	return &tokenRecord{
		ID:               t.ID,
		ClientID:         t.ClientID,
		Subject:          t.Subject,
		Scope:            t.Scope,
		AccessTokenHash:  t.AccessTokenHash,
		RefreshTokenHash: t.RefreshTokenHash,
		AccessExpiresAt:  t.AccessExpiresAt.UTC(),
		RefreshExpiresAt: t.RefreshExpiresAt.UTC(),
		Revoked:          t.Revoked,
		TransactionID:    t.TransactionID,
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
	}
}

func (r *tokenRecord) toDomain() *models.Token {
	return &models.Token{
		ID:               r.ID,
		ClientID:         r.ClientID,
		Subject:          r.Subject,
		Scope:            r.Scope,
		AccessTokenHash:  r.AccessTokenHash,
		RefreshTokenHash: r.RefreshTokenHash,
		AccessExpiresAt:  r.AccessExpiresAt,
		RefreshExpiresAt: r.RefreshExpiresAt,
		Revoked:          r.Revoked,
		TransactionID:    r.TransactionID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type consentRecord struct {
	bun.BaseModel `bun:"table:institution_consents,alias:ic"`

	Subject            string    `bun:"subject,pk"`
	BankCodeStd        string    `bun:"bank_code_std,pk"`
	InfoProvision      bool      `bun:"info_prvd_agmt_yn,notnull"`
	AccountInquiry     bool      `bun:"inquiry_agmt_yn,notnull"`
	TransactionInquiry bool      `bun:"tran_inquiry_agmt_yn,notnull"`
	BalanceInquiry     bool      `bun:"balance_inquiry_agmt_yn,notnull"`
	Status             string    `bun:"status,notnull"`
	RegisteredAt       time.Time `bun:"reg_dtime,notnull"`
	UpdatedAt          time.Time `bun:"upd_dtime,notnull"`
}

func newConsentRecord(c *models.InstitutionConsent) *consentRecord {
	return &consentRecord{
		Subject:            c.Subject,
		BankCodeStd:        c.BankCodeStd,
		InfoProvision:      c.InfoProvision,
		AccountInquiry:     c.AccountInquiry,
		TransactionInquiry: c.TransactionInquiry,
		BalanceInquiry:     c.BalanceInquiry,
		Status:             string(c.Status),
		RegisteredAt:       c.RegisteredAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func (r *consentRecord) toDomain() models.InstitutionConsent {
	return models.InstitutionConsent{
		Subject:            r.Subject,
		BankCodeStd:        r.BankCodeStd,
		InfoProvision:      r.InfoProvision,
		AccountInquiry:     r.AccountInquiry,
		TransactionInquiry: r.TransactionInquiry,
		BalanceInquiry:     r.BalanceInquiry,
		Status:             models.ConsentStatus(r.Status),
		RegisteredAt:       r.RegisteredAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type transactionRecord struct {
	bun.BaseModel `bun:"table:transaction_ids,alias:ti"`

	Date          string    `bun:"tran_date,pk"`
	TransactionID string    `bun:"bank_tran_id,pk"`
	APIName       string    `bun:"api_name,notnull"`
	Subject       string    `bun:"subject,notnull"`
	Status        string    `bun:"status,notnull"`
	RspCode       string    `bun:"rsp_code,notnull"`
	RspMessage    string    `bun:"rsp_message,notnull"`
	LatencyMillis int64     `bun:"latency_ms,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	CompletedAt   time.Time `bun:"completed_at,nullzero"`
}

func (r *transactionRecord) toDomain() *models.TransactionRecord {
	return &models.TransactionRecord{
		Date:          r.Date,
		TransactionID: r.TransactionID,
		APIName:       r.APIName,
		Subject:       r.Subject,
		Status:        models.TransactionStatus(r.Status),
		RspCode:       r.RspCode,
		RspMessage:    r.RspMessage,
		LatencyMillis: r.LatencyMillis,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// SQLStorage persists tokens, consents and the transaction-id log through bun.
type SQLStorage struct {
	db *bun.DB
}

func NewSQLStorage(db *bun.DB) (*SQLStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: bun db is required")
	}
	return &SQLStorage{db: db}, nil
}

// OpenSQL opens driver ("sqlite", "postgres" or "mysql") at dsn and pings it.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStorage, error) {
	var (
		sqldb *sql.DB
		db    *bun.DB
		err   error
	)

	switch driver {
	case "sqlite":
		sqldb, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers anyway; one connection avoids "database is locked".
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case "postgres":
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case "mysql":
		mysqlDSN, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		sqldb, err = sql.Open("mysql", mysqlDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db = bun.NewDB(sqldb, mysqldialect.New())
	default:
		return nil, fmt.Errorf("storage: unsupported sql driver %q", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return NewSQLStorage(db)
}

// normalizeMySQLDSN forces time parsing and found-rows semantics, so an
// UPDATE that matches a row without changing it still reports one row.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func (s *SQLStorage) DB() *bun.DB {
	return s.db
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables and secondary indexes if they are missing.
func (s *SQLStorage) CreateSchema(ctx context.Context) error {
	tables := []any{
		(*tokenRecord)(nil),
		(*consentRecord)(nil),
		(*transactionRecord)(nil),
	}
	for _, model := range tables {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		name    string
		columns []string
	}{
		{"idx_oauth_tokens_refresh", []string{"refresh_token_hash"}},
		{"idx_oauth_tokens_owner", []string{"client_id", "subject"}},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().
			Model((*tokenRecord)(nil)).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func (s *SQLStorage) SaveToken(ctx context.Context, token *models.Token) error {
	res, err := s.db.NewInsert().Model(newTokenRecord(token)).Ignore().Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("token %s: %w", token.ID, ErrDuplicate)
	}
	return nil
}

func (s *SQLStorage) GetTokenByAccessHash(ctx context.Context, hash string) (*models.Token, error) {
	return s.findToken(ctx, "access_token_hash = ?", hash)
}

func (s *SQLStorage) GetTokenByRefreshHash(ctx context.Context, hash string) (*models.Token, error) {
	if hash == "" {
		return nil, nil
	}
	return s.findToken(ctx, "refresh_token_hash = ?", hash)
}

func (s *SQLStorage) findToken(ctx context.Context, where string, arg any) (*models.Token, error) {
	record := new(tokenRecord)
	err := s.db.NewSelect().Model(record).Where(where, arg).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", err)
	}
	return record.toDomain(), nil
}

func (s *SQLStorage) RevokeToken(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*tokenRecord)(nil)).
		Set("revoked = ?", true).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStorage) RevokeActiveTokens(ctx context.Context, clientID, subject string, at time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*tokenRecord)(nil)).
		Set("revoked = ?", true).
		Set("updated_at = ?", at.UTC()).
		Where("client_id = ?", clientID).
		Where("subject = ?", subject).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStorage) ListActiveConsents(ctx context.Context, subject string) ([]models.InstitutionConsent, error) {
	var records []consentRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("subject = ?", subject).
		Where("status = ?", string(models.ConsentActive)).
		Order("bank_code_std ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select consents: %w", err)
	}

	consents := make([]models.InstitutionConsent, 0, len(records))
	for i := range records {
		consents = append(consents, records[i].toDomain())
	}
	return consents, nil
}

func (s *SQLStorage) GetConsent(ctx context.Context, subject, bankCodeStd string) (*models.InstitutionConsent, error) {
	record := new(consentRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("subject = ?", subject).
		Where("bank_code_std = ?", bankCodeStd).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select consent: %w", err)
	}
	consent := record.toDomain()
	return &consent, nil
}

func (s *SQLStorage) SaveConsent(ctx context.Context, consent *models.InstitutionConsent) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := newConsentRecord(consent)
		res, err := tx.NewUpdate().
			Model(record).
			Column("info_prvd_agmt_yn", "inquiry_agmt_yn", "tran_inquiry_agmt_yn", "balance_inquiry_agmt_yn", "status", "upd_dtime").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update consent: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return fmt.Errorf("insert consent: %w", err)
		}
		return nil
	})
}

func (s *SQLStorage) CreateConsentIfAbsent(ctx context.Context, consent *models.InstitutionConsent) (bool, error) {
	res, err := s.db.NewInsert().Model(newConsentRecord(consent)).Ignore().Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert consent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert consent: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStorage) TransactionExists(ctx context.Context, date, transactionID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*transactionRecord)(nil)).
		Where("tran_date = ?", date).
		Where("bank_tran_id = ?", transactionID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check transaction id: %w", err)
	}
	return exists, nil
}

func (s *SQLStorage) GetTransaction(ctx context.Context, date, transactionID string) (*models.TransactionRecord, error) {
	record := new(transactionRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("tran_date = ?", date).
		Where("bank_tran_id = ?", transactionID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return record.toDomain(), nil
}

func (s *SQLStorage) InsertTransaction(ctx context.Context, record *models.TransactionRecord) error {
	row := &transactionRecord{
		Date:          record.Date,
		TransactionID: record.TransactionID,
		APIName:       record.APIName,
		Subject:       record.Subject,
		Status:        string(record.Status),
		RspCode:       record.RspCode,
		RspMessage:    record.RspMessage,
		LatencyMillis: record.LatencyMillis,
		CreatedAt:     record.CreatedAt.UTC(),
		CompletedAt:   record.CompletedAt.UTC(),
	}
	res, err := s.db.NewInsert().Model(row).Ignore().Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("transaction %s/%s: %w", record.Date, record.TransactionID, ErrDuplicate)
	}
	return nil
}

func (s *SQLStorage) CompleteTransaction(ctx context.Context, date, transactionID, rspCode, rspMessage string, latency time.Duration, completedAt time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*transactionRecord)(nil)).
		Set("status = ?", string(models.TransactionCompleted)).
		Set("rsp_code = ?", rspCode).
		Set("rsp_message = ?", rspMessage).
		Set("latency_ms = ?", latency.Milliseconds()).
		Set("completed_at = ?", completedAt.UTC()).
		Where("tran_date = ?", date).
		Where("bank_tran_id = ?", transactionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("transaction %s/%s not found", date, transactionID)
	}
	return nil
}
