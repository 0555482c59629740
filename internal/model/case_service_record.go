package model

import (
	"time"
)

// CaseServiceRecord is the denormalized per-notice row mirroring the
// on-chain Alert/Document token pair. The chain is the source of
// truth; reconciliation repairs this table when it drifts.
type CaseServiceRecord struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CaseNumber    string `json:"case_number" gorm:"not null;uniqueIndex:uq_record_case_server,priority:1"`
	ServerAddress string `json:"server_address" gorm:"not null;uniqueIndex:uq_record_case_server,priority:2"`

	// Token ids of the first minted pair. AlertTokenId carries its own
	// unique index so a duplicate row for one token can never be
	// inserted.
	AlertTokenId    int64 `json:"alert_token_id" gorm:"uniqueIndex:uq_record_alert_token"`
	DocumentTokenId int64 `json:"document_token_id"`

	// TokenPairs lists every pair minted for this record. A batch mint
	// to N recipients produces N pairs on the one row.
	TokenPairs TokenPairList `json:"token_pairs" gorm:"type:jsonb"`

	Recipients StringArray `json:"recipients" gorm:"type:jsonb;not null"`

	ServedAt        *time.Time `json:"served_at"`
	TransactionHash string     `json:"transaction_hash"`
	IPFSHash        string     `json:"ipfs_hash"`
	// Escrowed so authorized parties can decrypt independent of token
	// custody. Kept alongside the row for compatibility with the rest
	// of the system; see DESIGN.md for the secret-store caveat.
	EncryptionKey string `json:"encryption_key"`

	Accepted bool `json:"accepted" gorm:"default:false"`

	// Source distinguishes rows written at issuance from rows
	// synthesized by reconciliation.
	Source RecordSource `json:"source" gorm:"default:'issuance'"`
}

// RecordSource marks how a service record entered the store.
type RecordSource string

const (
	RecordSourceIssuance       RecordSource = "issuance"
	RecordSourceReconciliation RecordSource = "reconciliation"
)

func (CaseServiceRecord) TableName() string {
	return "case_service_record"
}
