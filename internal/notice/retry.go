package notice

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
)

// Retry resubmits a persisted prepared mint with its exact original
// encoding. Chain state is checked first: if the earlier broadcast
// actually landed, the record is finalized from its receipt and
// nothing is minted twice.
func (w *Workflow) Retry(ctx context.Context, pendingId string) (*Result, error) {
	pending, err := w.pending.ById(pendingId)
	if err != nil {
		return nil, err
	}
	return w.retryPending(ctx, pending)
}

func (w *Workflow) retryPending(ctx context.Context, pending *model.PendingMint) (*Result, error) {
	if pending.Status == model.PendingMintStatusConfirmed {
		return nil, fmt.Errorf("notice: pending mint %s is already confirmed as %s",
			pending.Id, pending.TxId)
	}

	if pending.TxId != "" {
		info, err := w.ledger.TransactionInfo(ctx, pending.TxId)
		switch {
		case err == nil && info.Success:
			// the "failed" submission succeeded on-chain
			w.log.Info("Pending mint %s already confirmed on-chain as %s, finalizing without resubmit",
				pending.Id, pending.TxId)
			notices, err := w.finalize(pending, info)
			if err != nil {
				return nil, err
			}
			return &Result{
				PendingId:     pending.Id,
				TxId:          pending.TxId,
				IPFSHash:      pending.IPFSHash,
				EncryptionKey: pending.EncryptionKey,
				FeeAttached:   pending.CallValue,
				Notices:       notices,
			}, nil
		case err == nil && !info.Success:
			w.log.Info("Previous submission %s of pending mint %s reverted, resubmitting",
				pending.TxId, pending.Id)
		case errors.Is(err, tron.ErrTxNotFound):
			w.log.Info("Previous submission %s of pending mint %s never landed, resubmitting",
				pending.TxId, pending.Id)
		default:
			// cannot tell whether the earlier attempt landed; blind
			// resubmission could double-mint
			return nil, fmt.Errorf("notice: cannot verify prior submission %s: %w",
				pending.TxId, err)
		}
	}

	return w.submit(ctx, pending, nil)
}

// RetryStale is the background sweep over mints stuck in prepared or
// submitted state. Each failure is reported in the summary rather than
// aborting the sweep.
func (w *Workflow) RetryStale(ctx context.Context) (resolved, failed int) {
	stale, err := w.pending.Stale(pendingRetryAge, pendingRetryBatch)
	if err != nil {
		w.log.Error("Failed to list stale pending mints: %v", err)
		return 0, 0
	}

	for i := range stale {
		pending := stale[i]
		if _, err := w.retryPending(ctx, &pending); err != nil {
			w.log.Warn("Retry of pending mint %s failed: %v", pending.Id, err)
			failed++
			continue
		}
		resolved++
	}
	return resolved, failed
}
