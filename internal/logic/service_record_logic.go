package logic

import (
	"errors"
	"fmt"

	"github.com/blockserved/notice-service/internal/model"
	"gorm.io/gorm"
)

// ErrRecordNotFound is returned by lookups with no matching row.
var ErrRecordNotFound = errors.New("case service record not found")

// ServiceRecordLogic is the access layer over case service records.
// The chain is the source of truth; these rows are a queryable mirror.
type ServiceRecordLogic struct {
	db *gorm.DB
}

func NewServiceRecordLogic(db *gorm.DB) *ServiceRecordLogic {
	return &ServiceRecordLogic{db: db}
}

// Upsert writes one notice's full side effect in a single transaction:
// the service record keyed by (case_number, server_address) and the
// owning case row flipped to served. A repeat of the same pair updates
// in place, it never inserts a second row; recipients and token pairs
// accumulate across mints of the same case (sequential batch fallback
// lands one mint at a time).
func (l *ServiceRecordLogic) Upsert(record *model.CaseServiceRecord) error {
	if record.CaseNumber == "" {
		return errors.New("case number is required")
	}
	if record.ServerAddress == "" {
		return errors.New("server address is required")
	}
	if len(record.Recipients) == 0 {
		return errors.New("recipients must not be empty")
	}

	return l.db.Transaction(func(tx *gorm.DB) error {
		var existing model.CaseServiceRecord
		err := tx.Where("case_number = ? AND server_address = ?",
			record.CaseNumber, record.ServerAddress).First(&existing).Error

		switch {
		case err == nil:
			recipients := existing.Recipients
			for _, r := range record.Recipients {
				if !recipients.Contains(r) {
					recipients = append(recipients, r)
				}
			}
			updates := map[string]interface{}{
				"token_pairs":      existing.TokenPairs.Merge(record.TokenPairs),
				"recipients":       recipients,
				"served_at":        record.ServedAt,
				"transaction_hash": record.TransactionHash,
				"ipfs_hash":        record.IPFSHash,
				"encryption_key":   record.EncryptionKey,
				"source":           record.Source,
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update service record: %w", err)
			}
			record.Id = existing.Id
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("failed to create service record: %w", err)
			}
		default:
			return err
		}

		// keep the case row in step
		caseRow := model.CaseModel{
			CaseNumber:    record.CaseNumber,
			ServerAddress: record.ServerAddress,
			Status:        model.CaseStatusServed,
		}
		err = tx.Where("case_number = ? AND server_address = ?",
			record.CaseNumber, record.ServerAddress).
			First(&model.CaseModel{}).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&caseRow).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&model.CaseModel{}).
			Where("case_number = ? AND server_address = ?", record.CaseNumber, record.ServerAddress).
			Update("status", model.CaseStatusServed).Error
	})
}

// FindByRecipient looks up records whose recipient set contains the
// given address.
func (l *ServiceRecordLogic) FindByRecipient(address string) ([]model.CaseServiceRecord, error) {
	var records []model.CaseServiceRecord
	contains := fmt.Sprintf(`["%s"]`, address)
	if err := l.db.Where("recipients @> ?", contains).
		Order("alert_token_id asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query records by recipient: %w", err)
	}
	return records, nil
}

// FindByServer looks up all records written by one process server.
func (l *ServiceRecordLogic) FindByServer(address string) ([]model.CaseServiceRecord, error) {
	var records []model.CaseServiceRecord
	if err := l.db.Where("server_address = ?", address).
		Order("alert_token_id asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query records by server: %w", err)
	}
	return records, nil
}

// FindByToken resolves a record by any token id it carries, first
// pair columns or the batch pair list.
func (l *ServiceRecordLogic) FindByToken(tokenId int64) (*model.CaseServiceRecord, error) {
	var record model.CaseServiceRecord
	err := l.db.Where(
		"alert_token_id = ? OR document_token_id = ? OR token_pairs @> ? OR token_pairs @> ?",
		tokenId, tokenId,
		fmt.Sprintf(`[{"alert":%d}]`, tokenId), fmt.Sprintf(`[{"document":%d}]`, tokenId)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByAlertToken resolves a record by an alert token id, including
// alerts held only in a batch row's pair list.
func (l *ServiceRecordLogic) FindByAlertToken(alertId int64) (*model.CaseServiceRecord, error) {
	var record model.CaseServiceRecord
	err := l.db.Where("alert_token_id = ? OR token_pairs @> ?",
		alertId, fmt.Sprintf(`[{"alert":%d}]`, alertId)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkAccepted flips the accepted flag for a served notice.
func (l *ServiceRecordLogic) MarkAccepted(alertId int64) error {
	result := l.db.Model(&model.CaseServiceRecord{}).
		Where("alert_token_id = ? OR token_pairs @> ?",
			alertId, fmt.Sprintf(`[{"alert":%d}]`, alertId)).
		Update("accepted", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateRecipients replaces the recipient set of an existing record,
// used by reconciliation when on-chain ownership disagrees.
func (l *ServiceRecordLogic) UpdateRecipients(alertId int64, recipients model.StringArray) error {
	if len(recipients) == 0 {
		return errors.New("recipients must not be empty")
	}
	result := l.db.Model(&model.CaseServiceRecord{}).
		Where("alert_token_id = ? OR token_pairs @> ?",
			alertId, fmt.Sprintf(`[{"alert":%d}]`, alertId)).
		Updates(map[string]interface{}{
			"recipients": recipients,
			"source":     model.RecordSourceReconciliation,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CreateRecovered inserts a record synthesized from on-chain ownership
// when no off-chain row exists. ServedAt stays nil because the true
// service time is not recoverable from ownership alone.
func (l *ServiceRecordLogic) CreateRecovered(alertId, documentId int64, owner, serverAddress string) (*model.CaseServiceRecord, error) {
	record := &model.CaseServiceRecord{
		CaseNumber:      fmt.Sprintf("RECOVERED-%d", alertId),
		ServerAddress:   serverAddress,
		AlertTokenId:    alertId,
		DocumentTokenId: documentId,
		TokenPairs:      model.TokenPairList{{Alert: alertId, Document: documentId}},
		Recipients:      model.StringArray{owner},
		Source:          model.RecordSourceReconciliation,
	}
	if err := l.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create recovered record for alert %d: %w", alertId, err)
	}
	return record, nil
}

