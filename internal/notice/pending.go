package notice

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/model"
	"gorm.io/gorm"
)

// ErrPendingNotFound is returned for unknown pending-mint ids.
var ErrPendingNotFound = errors.New("notice: pending mint not found")

const (
	// pendingRetryAge keeps the sweep away from submissions still
	// being confirmed by their original caller.
	pendingRetryAge   = 5 * time.Minute
	pendingRetryBatch = 20
)

// PendingStore persists prepared mint transactions. Status updates are
// best-effort: the chain outcome matters more than the bookkeeping, so
// update failures are logged rather than propagated.
type PendingStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPendingStore(db *gorm.DB, log *logger.Logger) *PendingStore {
	return &PendingStore{db: db, log: log}
}

func (s *PendingStore) Create(pending *model.PendingMint) error {
	if err := s.db.Create(pending).Error; err != nil {
		return fmt.Errorf("failed to persist prepared mint: %w", err)
	}
	return nil
}

func (s *PendingStore) ById(id string) (*model.PendingMint, error) {
	var pending model.PendingMint
	err := s.db.First(&pending, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

// Stale returns prepared or submitted mints untouched for the given
// age, oldest first.
func (s *PendingStore) Stale(olderThan time.Duration, limit int) ([]model.PendingMint, error) {
	var pending []model.PendingMint
	cutoff := time.Now().Add(-olderThan)
	err := s.db.Where("status IN ? AND updated_at < ?",
		[]model.PendingMintStatus{model.PendingMintStatusPrepared, model.PendingMintStatusSubmitted},
		cutoff).
		Order("created_at asc").Limit(limit).Find(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *PendingStore) MarkSubmitted(pending *model.PendingMint, txId string) {
	pending.TxId = txId
	pending.Status = model.PendingMintStatusSubmitted
	pending.Attempts++
	s.update(pending, map[string]interface{}{
		"tx_id":    txId,
		"status":   model.PendingMintStatusSubmitted,
		"attempts": pending.Attempts,
	})
}

func (s *PendingStore) MarkConfirmed(pending *model.PendingMint, txId string) {
	pending.TxId = txId
	pending.Status = model.PendingMintStatusConfirmed
	s.update(pending, map[string]interface{}{
		"tx_id":      txId,
		"status":     model.PendingMintStatusConfirmed,
		"last_error": "",
	})
}

func (s *PendingStore) MarkFailed(pending *model.PendingMint, cause error) {
	pending.Status = model.PendingMintStatusFailed
	pending.LastError = cause.Error()
	s.update(pending, map[string]interface{}{
		"status":     model.PendingMintStatusFailed,
		"last_error": cause.Error(),
	})
}

// RecordError notes a transient failure without changing status, so
// the retry job still picks the row up.
func (s *PendingStore) RecordError(pending *model.PendingMint, cause error) {
	pending.LastError = cause.Error()
	s.update(pending, map[string]interface{}{"last_error": cause.Error()})
}

func (s *PendingStore) update(pending *model.PendingMint, updates map[string]interface{}) {
	if err := s.db.Model(pending).Updates(updates).Error; err != nil {
		s.log.Error("Failed to update pending mint %s: %v", pending.Id, err)
	}
}
