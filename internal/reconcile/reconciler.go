// Package reconcile repairs drift between the off-chain service
// records and on-chain token ownership. The chain is the source of
// truth: rows are synthesized for notices the database never saw and
// recipient sets are corrected where ownership moved.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/logic"
	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// Ledger is the subset of chain reads a reconciliation pass needs.
type Ledger interface {
	TotalNotices(ctx context.Context) (int64, error)
	OwnerOf(ctx context.Context, tokenId int64) (tron.Address, error)
	DocumentOfAlert(ctx context.Context, alertId int64) (int64, error)
	IsAccepted(ctx context.Context, alertId int64) (bool, error)
}

// RecordStore is the record access the pass needs, satisfied by
// logic.ServiceRecordLogic.
type RecordStore interface {
	FindByAlertToken(alertId int64) (*model.CaseServiceRecord, error)
	CreateRecovered(alertId, documentId int64, owner, serverAddress string) (*model.CaseServiceRecord, error)
	UpdateRecipients(alertId int64, recipients model.StringArray) error
	MarkAccepted(alertId int64) error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Total    int64         `json:"total_notices"`
	Scanned  int64         `json:"scanned"`
	Skipped  int64         `json:"skipped"`
	Matched  int64         `json:"matched"`
	Created  int64         `json:"created"`
	Updated  int64         `json:"updated"`
	Accepted int64         `json:"accepted"`
	Duration time.Duration `json:"duration"`
}

// Options bounds a pass. Rate is ownership reads per second across all
// workers.
type Options struct {
	Workers       int
	Rate          float64
	ServerAddress string
	// ContractAddress filters out tokens the contract holds itself;
	// those were never served to anyone.
	ContractAddress string
}

// Reconciler runs full-ledger scans against the record store.
type Reconciler struct {
	ledger  Ledger
	records RecordStore
	opts    Options
	limiter *rate.Limiter
	log     *logger.Logger

	mu      sync.Mutex
	running bool
}

// ErrAlreadyRunning rejects overlapping passes; a scan can take
// minutes on a large ledger.
var ErrAlreadyRunning = errors.New("reconcile: a pass is already running")

func New(ledger Ledger, records RecordStore, opts Options, log *logger.Logger) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	return &Reconciler{
		ledger:  ledger,
		records: records,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Workers),
		log:     log,
	}
}

// Run executes one full pass. Token ids are scanned from 1 through
// totalNotices; alerts occupy the odd ids because every mint issues an
// alert/document pair in order. A read failure on one id skips that id
// and never aborts the pass.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()
	total, err := r.ledger.TotalNotices(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Total: total}
	if total == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	pool, err := ants.NewPool(r.opts.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []int64
	)

	for alertId := int64(1); alertId <= total; alertId += 2 {
		id := alertId
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			outcome, accepted := r.reconcileOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Scanned++
			if accepted {
				report.Accepted++
			}
			switch outcome {
			case outcomeSkipped:
				report.Skipped++
			case outcomeMatched:
				report.Matched++
			case outcomeCreated:
				report.Created++
				created = append(created, id)
			case outcomeUpdated:
				report.Updated++
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			report.Scanned++
			report.Skipped++
			mu.Unlock()
		}
	}
	wg.Wait()

	report.Duration = time.Since(start)
	if len(created) > 0 {
		sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })
		r.log.Info("Reconciliation recovered %d notices: alert ids %v", len(created), created)
	}
	r.log.Info("Reconciliation pass done: total=%d scanned=%d matched=%d created=%d updated=%d accepted=%d skipped=%d in %s",
		report.Total, report.Scanned, report.Matched, report.Created, report.Updated,
		report.Accepted, report.Skipped, report.Duration)
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeMatched
	outcomeCreated
	outcomeUpdated
)

func (r *Reconciler) reconcileOne(ctx context.Context, alertId int64) (outcome, bool) {
	if err := r.limiter.Wait(ctx); err != nil {
		return outcomeSkipped, false
	}

	owner, err := r.ledger.OwnerOf(ctx, alertId)
	if err != nil {
		// burned, never minted, or a transient node error; the next
		// pass will see it again
		r.log.Debug("Skipping alert %d: ownership read failed: %v", alertId, err)
		return outcomeSkipped, false
	}
	ownerStr := owner.String()
	if ownerStr == r.opts.ContractAddress {
		return outcomeSkipped, false
	}

	documentId := r.pairedDocument(ctx, alertId)

	record, err := r.records.FindByAlertToken(alertId)
	switch {
	case errors.Is(err, logic.ErrRecordNotFound):
		created, err := r.records.CreateRecovered(alertId, documentId, ownerStr, r.opts.ServerAddress)
		if err != nil {
			r.log.Error("Failed to create recovered record for alert %d: %v", alertId, err)
			return outcomeSkipped, false
		}
		r.log.Warn("Alert %d owned by %s had no service record, recovered", alertId, ownerStr)
		return outcomeCreated, r.mirrorAcceptance(ctx, alertId, created)
	case err != nil:
		r.log.Error("Record lookup for alert %d failed: %v", alertId, err)
		return outcomeSkipped, false
	}

	if record.Recipients.Contains(ownerStr) {
		return outcomeMatched, r.mirrorAcceptance(ctx, alertId, record)
	}

	if err := r.records.UpdateRecipients(alertId, model.StringArray{ownerStr}); err != nil {
		r.log.Error("Failed to update recipients for alert %d: %v", alertId, err)
		return outcomeSkipped, false
	}
	r.log.Warn("Alert %d ownership moved to %s, record %s corrected",
		alertId, ownerStr, record.CaseNumber)
	return outcomeUpdated, r.mirrorAcceptance(ctx, alertId, record)
}

// mirrorAcceptance flips the off-chain accepted flag for records whose
// recipient has accepted on chain. Acceptance transactions are signed
// by the recipient and never pass through this service, so the chain
// read is the only way the flag can catch up.
func (r *Reconciler) mirrorAcceptance(ctx context.Context, alertId int64, record *model.CaseServiceRecord) bool {
	if record == nil || record.Accepted {
		return false
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}
	accepted, err := r.ledger.IsAccepted(ctx, alertId)
	if err != nil {
		r.log.Debug("Acceptance read for alert %d failed: %v", alertId, err)
		return false
	}
	if !accepted {
		return false
	}
	if err := r.records.MarkAccepted(alertId); err != nil {
		r.log.Error("Failed to mark alert %d accepted: %v", alertId, err)
		return false
	}
	r.log.Info("Alert %d accepted on chain, record %s flagged", alertId, record.CaseNumber)
	return true
}

// pairedDocument reads the authoritative pairing from the contract and
// falls back to the legacy alertId+1 layout when the read fails.
func (r *Reconciler) pairedDocument(ctx context.Context, alertId int64) int64 {
	if err := r.limiter.Wait(ctx); err != nil {
		return alertId + 1
	}
	documentId, err := r.ledger.DocumentOfAlert(ctx, alertId)
	if err != nil || documentId == 0 {
		r.log.Warn("documentOfAlert(%d) unavailable, assuming sequential pair %d: %v",
			alertId, alertId+1, err)
		return alertId + 1
	}
	return documentId
}
