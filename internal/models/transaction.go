package models

import "time"

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
)

// TransactionRecord logs one issued transaction id. (Date, TransactionID)
// is unique.
type TransactionRecord struct {
	Date          string            `json:"tran_date"`
	TransactionID string            `json:"bank_tran_id"`
	APIName       string            `json:"api_name"`
	Subject       string            `json:"user_seq_no,omitempty"`
	Status        TransactionStatus `json:"status"`
	RspCode       string            `json:"rsp_code,omitempty"`
	RspMessage    string            `json:"rsp_message,omitempty"`
	LatencyMillis int64             `json:"latency_ms"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
}
