package model

import (
	"time"
)

// PendingMint is a fully prepared mint transaction persisted before
// submission. A retry replays the exact same encoded parameters, so it
// never re-encrypts or re-uploads, and it checks chain state first so
// a submission the client lost track of is not minted twice.
type PendingMint struct {
	Id        string    `json:"id" gorm:"primaryKey"` // uuid
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CaseNumber    string      `json:"case_number" gorm:"not null;index"`
	ServerAddress string      `json:"server_address" gorm:"not null"`
	Recipients    StringArray `json:"recipients" gorm:"type:jsonb;not null"`

	// Exact call encoding as submitted to the node.
	FunctionSelector string `json:"function_selector" gorm:"not null"`
	ParameterHex     string `json:"parameter_hex" gorm:"type:text;not null"`
	CallValue        int64  `json:"call_value"`
	FeeLimit         int64  `json:"fee_limit"`

	IPFSHash      string `json:"ipfs_hash"`
	EncryptionKey string `json:"encryption_key"`
	MetadataURI   string `json:"metadata_uri" gorm:"type:text"`

	TxId      string            `json:"tx_id" gorm:"index"`
	Status    PendingMintStatus `json:"status" gorm:"default:'prepared'"`
	Attempts  int               `json:"attempts" gorm:"default:0"`
	LastError string            `json:"last_error" gorm:"type:text"`
}

// PendingMintStatus is the submission lifecycle state.
type PendingMintStatus string

const (
	PendingMintStatusPrepared  PendingMintStatus = "prepared"
	PendingMintStatusSubmitted PendingMintStatus = "submitted"
	PendingMintStatusConfirmed PendingMintStatus = "confirmed"
	PendingMintStatusFailed    PendingMintStatus = "failed"
)

func (PendingMint) TableName() string {
	return "pending_mint"
}
