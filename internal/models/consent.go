package models

import "time"

type ConsentStatus string

const (
	ConsentActive   ConsentStatus = "ACTIVE"
	ConsentInactive ConsentStatus = "INACTIVE"
)

// InstitutionConsent authorizes queries against one institution on behalf
// of a subject. Keyed by (Subject, BankCodeStd).
type InstitutionConsent struct {
	Subject            string        `json:"user_seq_no"`
	BankCodeStd        string        `json:"bank_code_std"`
	InfoProvision      bool          `json:"info_prvd_agmt_yn"`
	AccountInquiry     bool          `json:"inquiry_agmt_yn"`
	TransactionInquiry bool          `json:"tran_inquiry_agmt_yn"`
	BalanceInquiry     bool          `json:"balance_inquiry_agmt_yn"`
	Status             ConsentStatus `json:"status"`
	RegisteredAt       time.Time     `json:"reg_dtime"`
	UpdatedAt          time.Time     `json:"upd_dtime"`
}

type InstitutionType string

const (
	InstitutionBank      InstitutionType = "bank"
	InstitutionCard      InstitutionType = "card"
	InstitutionInsurance InstitutionType = "insurance"
)

// Institution is a financial-data provider reachable through the proxy
type Institution struct {
	Code    string          `json:"bank_code_std" yaml:"code"`
	Name    string          `json:"bank_name" yaml:"name"`
	Type    InstitutionType `json:"institution_type" yaml:"type"`
	BaseURL string          `json:"-" yaml:"base_url"`
}
