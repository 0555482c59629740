package logic

import (
	"errors"
	"fmt"

	"github.com/blockserved/notice-service/internal/model"
	"gorm.io/gorm"
)

// ErrCaseNotFound is returned by case lookups with no matching row.
var ErrCaseNotFound = errors.New("case not found")

// CaseLogic is the access layer over cases.
type CaseLogic struct {
	db *gorm.DB
}

func NewCaseLogic(db *gorm.DB) *CaseLogic {
	return &CaseLogic{db: db}
}

// Prepare creates a case in the preparing state, or returns the
// existing row for the same (case_number, server_address) pair.
func (l *CaseLogic) Prepare(caseNumber, serverAddress, metadata string) (*model.CaseModel, error) {
	if caseNumber == "" {
		return nil, errors.New("case number is required")
	}

	var existing model.CaseModel
	err := l.db.Where("case_number = ? AND server_address = ?", caseNumber, serverAddress).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := &model.CaseModel{
		CaseNumber:    caseNumber,
		ServerAddress: serverAddress,
		Status:        model.CaseStatusPreparing,
		Metadata:      metadata,
	}
	if err := l.db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return row, nil
}

// Get resolves a case by number and server.
func (l *CaseLogic) Get(caseNumber, serverAddress string) (*model.CaseModel, error) {
	var row model.CaseModel
	err := l.db.Where("case_number = ? AND server_address = ?", caseNumber, serverAddress).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SetStatus advances a case through its lifecycle.
func (l *CaseLogic) SetStatus(caseNumber, serverAddress string, status model.CaseStatus) error {
	result := l.db.Model(&model.CaseModel{}).
		Where("case_number = ? AND server_address = ?", caseNumber, serverAddress).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// ListByServer returns all cases for one process server.
func (l *CaseLogic) ListByServer(serverAddress string) ([]model.CaseModel, error) {
	var rows []model.CaseModel
	if err := l.db.Where("server_address = ?", serverAddress).
		Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
