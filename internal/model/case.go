package model

import (
	"time"
)

// CaseModel groups one or more served notices under a case number.
// The (case_number, server_address) pair is unique: a server serves a
// given case once.
type CaseModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CaseNumber    string `json:"case_number" gorm:"not null;uniqueIndex:uq_case_number_server,priority:1" binding:"required"`
	ServerAddress string `json:"server_address" gorm:"not null;uniqueIndex:uq_case_number_server,priority:2"`

	Status   CaseStatus `json:"status" gorm:"default:'preparing'"`
	Metadata string     `json:"metadata" gorm:"type:text"`
}

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseStatusPreparing CaseStatus = "preparing"
	CaseStatusServed    CaseStatus = "served"
	CaseStatusSigned    CaseStatus = "signed"
)

func (CaseModel) TableName() string {
	return "case_record"
}
