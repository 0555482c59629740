package model

import (
	"time"
)

// ProcessServer is a registered identity allowed to issue notices.
type ProcessServer struct {
	WalletAddress string    `json:"wallet_address" gorm:"primaryKey"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	AgencyName    string      `json:"agency_name" gorm:"not null" binding:"required"`
	ContactEmail  string      `json:"contact_email"`
	ContactPhone  string      `json:"contact_phone"`
	LicenseNumber string      `json:"license_number"`
	Jurisdictions StringArray `json:"jurisdictions" gorm:"type:jsonb"`

	Status ProcessServerStatus `json:"status" gorm:"default:'pending'"`

	// ServerId is assigned at approval; mirrors the on-chain server
	// counter when one is available.
	ServerId int64 `json:"server_id" gorm:"default:0"`
}

// ProcessServerStatus is the registration lifecycle state.
type ProcessServerStatus string

const (
	ProcessServerStatusPending  ProcessServerStatus = "pending"
	ProcessServerStatusApproved ProcessServerStatus = "approved"
	ProcessServerStatusActive   ProcessServerStatus = "active"
)

func (ProcessServer) TableName() string {
	return "process_server"
}
