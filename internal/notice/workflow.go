// Package notice orchestrates the end-to-end service of a legal
// notice: encrypt, pin, price, mint, record. Every step consumes the
// previous step's output, so the sequence is strictly ordered and any
// failure aborts before the next side effect.
package notice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blockserved/notice-service/internal/envelope"
	"github.com/blockserved/notice-service/internal/fees"
	"github.com/blockserved/notice-service/internal/ipfs"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrInsufficientEnergy is returned when the server account lacks
	// the energy budget for the mint and the policy forbids burning
	// TRX instead.
	ErrInsufficientEnergy = errors.New("notice: insufficient energy for mint")
	// ErrConfirmTimeout means the transaction was broadcast but no
	// receipt appeared in time. The pending row stays submitted and
	// the retry path resolves it.
	ErrConfirmTimeout = errors.New("notice: timed out waiting for confirmation")
	// ErrNoMintEvents means the call confirmed but emitted no
	// NoticeServed events; token ids are never assumed by arithmetic.
	ErrNoMintEvents = errors.New("notice: confirmed transaction emitted no mint events")
)

// Ledger is the chain surface the workflow depends on.
type Ledger interface {
	OwnerAddress() tron.Address
	Contract() *tron.Contract
	AccountEnergy(ctx context.Context) (int64, error)
	Trigger(ctx context.Context, selector, parameterHex string, callValue, feeLimit int64) (string, error)
	TransactionInfo(ctx context.Context, txId string) (*tron.TransactionInfo, error)
}

// EnergyRenter tops up the server account from an external energy
// market. Optional; nil means no market is configured.
type EnergyRenter interface {
	Rent(ctx context.Context, amount int64) error
}

// PendingRepo persists prepared mints. *PendingStore is the gorm
// implementation.
type PendingRepo interface {
	Create(pending *model.PendingMint) error
	ById(id string) (*model.PendingMint, error)
	Stale(olderThan time.Duration, limit int) ([]model.PendingMint, error)
	MarkSubmitted(pending *model.PendingMint, txId string)
	MarkConfirmed(pending *model.PendingMint, txId string)
	MarkFailed(pending *model.PendingMint, cause error)
	RecordError(pending *model.PendingMint, cause error)
}

// RecordWriter receives the off-chain side effect of a confirmed mint.
// *logic.ServiceRecordLogic is the gorm implementation.
type RecordWriter interface {
	Upsert(record *model.CaseServiceRecord) error
}

// ServeParams mirrors the pinned ABI's notice tuple exactly. Batch
// calls encode a positional array of these; no other shape reaches
// the encoder.
type ServeParams struct {
	Recipient     common.Address
	EncryptedIPFS string
	EncryptionKey string
	IssuingAgency string
	NoticeType    string
	CaseNumber    string
	CaseDetails   string
	LegalRights   string
	SponsorFees   bool
	MetadataURI   string
}

// Request is one issuance, single recipient or batched.
type Request struct {
	Recipients    []string `json:"recipients"`
	CaseNumber    string   `json:"case_number"`
	IssuingAgency string   `json:"issuing_agency"`
	NoticeType    string   `json:"notice_type"`
	CaseDetails   string   `json:"case_details"`
	LegalRights   string   `json:"legal_rights"`
	Document      []byte   `json:"document"`
	Passphrase    string   `json:"passphrase"`
	SponsorFees   bool     `json:"sponsor_fees"`
}

// MintedNotice is one Alert/Document pair learned from mint events.
type MintedNotice struct {
	Recipient       string `json:"recipient"`
	AlertTokenId    int64  `json:"alert_token_id"`
	DocumentTokenId int64  `json:"document_token_id"`
}

// Result reports a completed issuance.
type Result struct {
	PendingId     string         `json:"pending_id"`
	TxId          string         `json:"tx_id"`
	IPFSHash      string         `json:"ipfs_hash"`
	EncryptionKey string         `json:"encryption_key"`
	FeeAttached   int64          `json:"fee_attached"`
	UsedFallback  bool           `json:"fee_used_fallback"`
	Notices       []MintedNotice `json:"notices"`
}

// Options carries the chain policy knobs the workflow needs.
type Options struct {
	FeeLimit        int64
	EnergyEstimate  int64
	EnergyPolicy    string // "require" or "burn"
	ConfirmTimeout  time.Duration
	MetadataBaseURI string
}

// Workflow runs issuance attempts. One instance is shared; all state
// lives in the store.
type Workflow struct {
	ledger  Ledger
	pinner  ipfs.Pinner
	calc    *fees.Calculator
	records RecordWriter
	pending PendingRepo
	opts    Options
	renter  EnergyRenter
	log     *logger.Logger
}

func NewWorkflow(
	ledger Ledger,
	pinner ipfs.Pinner,
	calc *fees.Calculator,
	records RecordWriter,
	pending PendingRepo,
	opts Options,
	renter EnergyRenter,
	log *logger.Logger,
) *Workflow {
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	return &Workflow{
		ledger:  ledger,
		pinner:  pinner,
		calc:    calc,
		records: records,
		pending: pending,
		opts:    opts,
		renter:  renter,
		log:     log,
	}
}

// Serve runs a full issuance. Multi-recipient requests take the batch
// path first and fall back to sequential single mints when the node
// rejects the batch encoding.
func (w *Workflow) Serve(ctx context.Context, req *Request) (*Result, error) {
	recipients, err := validate(req)
	if err != nil {
		return nil, err
	}

	passphrase := req.Passphrase
	if passphrase == "" {
		passphrase = envelope.GeneratePassphrase()
	}

	// encryption failure aborts before any network I/O
	sealed, err := envelope.Seal(req.Document, passphrase)
	if err != nil {
		return nil, err
	}

	cid, err := w.pinner.Pin(ctx, sealed, ipfs.PinMeta{
		Name:          fmt.Sprintf("notice-%s.bin", sanitizeName(req.CaseNumber)),
		CaseNumber:    req.CaseNumber,
		ServerAddress: w.ledger.OwnerAddress().String(),
	})
	if err != nil {
		return nil, err
	}

	breakdown, err := w.calc.Calculate(ctx, w.ledger.OwnerAddress(), req.SponsorFees)
	if err != nil {
		return nil, err
	}

	metadataURI, err := w.buildMetadataURI(req, cid)
	if err != nil {
		return nil, err
	}

	if err := w.checkEnergy(ctx, int64(len(recipients))); err != nil {
		return nil, err
	}

	params := make([]ServeParams, len(recipients))
	for i, r := range recipients {
		params[i] = ServeParams{
			Recipient:     r.EVM(),
			EncryptedIPFS: cid,
			EncryptionKey: passphrase,
			IssuingAgency: req.IssuingAgency,
			NoticeType:    req.NoticeType,
			CaseNumber:    req.CaseNumber,
			CaseDetails:   req.CaseDetails,
			LegalRights:   req.LegalRights,
			SponsorFees:   req.SponsorFees,
			MetadataURI:   metadataURI,
		}
	}

	if len(params) == 1 {
		pending, err := w.preparePending(req, params[:1], cid, passphrase, metadataURI, breakdown.Total, false)
		if err != nil {
			return nil, err
		}
		return w.submit(ctx, pending, breakdown)
	}

	batchPending, err := w.preparePending(req, params, cid, passphrase, metadataURI,
		breakdown.Total*int64(len(params)), true)
	if err != nil {
		return nil, err
	}
	result, err := w.submit(ctx, batchPending, breakdown)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, tron.ErrCallRejected) {
		return nil, err
	}

	// node rejected the batch encoding; serve each recipient with its
	// own single-mint call, reusing the already-pinned ciphertext
	w.log.Warn("Batch mint rejected for case %s, falling back to sequential mints: %v",
		req.CaseNumber, err)
	return w.serveSequential(ctx, req, params, cid, passphrase, metadataURI, breakdown)
}

func (w *Workflow) serveSequential(
	ctx context.Context,
	req *Request,
	params []ServeParams,
	cid, passphrase, metadataURI string,
	breakdown *fees.Breakdown,
) (*Result, error) {
	combined := &Result{
		IPFSHash:      cid,
		EncryptionKey: passphrase,
		UsedFallback:  breakdown.UsedFallback,
	}
	for i := range params {
		pending, err := w.preparePending(req, params[i:i+1], cid, passphrase, metadataURI,
			breakdown.Total, false)
		if err != nil {
			return nil, err
		}
		result, err := w.submit(ctx, pending, breakdown)
		if err != nil {
			return nil, fmt.Errorf("sequential mint %d/%d failed: %w", i+1, len(params), err)
		}
		combined.PendingId = result.PendingId
		combined.TxId = result.TxId
		combined.FeeAttached += result.FeeAttached
		combined.Notices = append(combined.Notices, result.Notices...)
	}
	return combined, nil
}

// preparePending packs the call and persists it before submission so a
// retry replays identical bytes.
func (w *Workflow) preparePending(
	req *Request,
	params []ServeParams,
	cid, passphrase, metadataURI string,
	callValue int64,
	batch bool,
) (*model.PendingMint, error) {
	contract := w.ledger.Contract()

	var selector, parameter string
	var err error
	if batch {
		selector, parameter, err = contract.PackCall("serveNoticeBatch", params)
	} else {
		p := params[0]
		selector, parameter, err = contract.PackCall("serveNotice",
			p.Recipient, p.EncryptedIPFS, p.EncryptionKey, p.IssuingAgency,
			p.NoticeType, p.CaseNumber, p.CaseDetails, p.LegalRights,
			p.SponsorFees, p.MetadataURI)
	}
	if err != nil {
		return nil, err
	}

	recipients := make(model.StringArray, len(params))
	for i, p := range params {
		recipients[i] = tron.FromEVM(p.Recipient).String()
	}

	pending := &model.PendingMint{
		Id:               uuid.NewString(),
		CaseNumber:       req.CaseNumber,
		ServerAddress:    w.ledger.OwnerAddress().String(),
		Recipients:       recipients,
		FunctionSelector: selector,
		ParameterHex:     parameter,
		CallValue:        callValue,
		FeeLimit:         w.opts.FeeLimit,
		IPFSHash:         cid,
		EncryptionKey:    passphrase,
		MetadataURI:      metadataURI,
		Status:           model.PendingMintStatusPrepared,
	}
	if err := w.pending.Create(pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// submit broadcasts a prepared mint, waits for its receipt, and
// finalizes the off-chain side effect.
func (w *Workflow) submit(ctx context.Context, pending *model.PendingMint, breakdown *fees.Breakdown) (*Result, error) {
	txId, err := w.ledger.Trigger(ctx, pending.FunctionSelector, pending.ParameterHex,
		pending.CallValue, pending.FeeLimit)
	if err != nil {
		w.pending.MarkFailed(pending, err)
		return nil, err
	}

	w.pending.MarkSubmitted(pending, txId)

	info, err := w.awaitReceipt(ctx, txId)
	if err != nil {
		// still submitted; the retry path resolves its true outcome
		w.pending.RecordError(pending, err)
		return nil, err
	}
	if !info.Success {
		err := fmt.Errorf("notice: mint transaction %s reverted", txId)
		w.pending.MarkFailed(pending, err)
		return nil, err
	}

	notices, err := w.finalize(pending, info)
	if err != nil {
		return nil, err
	}

	return &Result{
		PendingId:     pending.Id,
		TxId:          txId,
		IPFSHash:      pending.IPFSHash,
		EncryptionKey: pending.EncryptionKey,
		FeeAttached:   pending.CallValue,
		UsedFallback:  breakdown != nil && breakdown.UsedFallback,
		Notices:       notices,
	}, nil
}

func (w *Workflow) awaitReceipt(ctx context.Context, txId string) (*tron.TransactionInfo, error) {
	deadline := time.Now().Add(w.opts.ConfirmTimeout)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		info, err := w.ledger.TransactionInfo(ctx, txId)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, tron.ErrTxNotFound) {
			w.log.Warn("Receipt poll for %s failed: %v", txId, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txId)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalize extracts minted token ids from the receipt's NoticeServed
// events and writes the service record. The record write is a cache
// update: its failure is logged, never rolled back into the mint.
func (w *Workflow) finalize(pending *model.PendingMint, info *tron.TransactionInfo) ([]MintedNotice, error) {
	notices := w.extractMints(info)
	if len(notices) == 0 {
		w.pending.RecordError(pending, ErrNoMintEvents)
		return nil, ErrNoMintEvents
	}

	w.pending.MarkConfirmed(pending, info.TxId)

	pairs := make(model.TokenPairList, len(notices))
	for i, n := range notices {
		pairs[i] = model.TokenPair{Alert: n.AlertTokenId, Document: n.DocumentTokenId}
	}

	now := time.Now()
	record := &model.CaseServiceRecord{
		CaseNumber:      pending.CaseNumber,
		ServerAddress:   pending.ServerAddress,
		AlertTokenId:    notices[0].AlertTokenId,
		DocumentTokenId: notices[0].DocumentTokenId,
		TokenPairs:      pairs,
		Recipients:      pending.Recipients,
		ServedAt:        &now,
		TransactionHash: info.TxId,
		IPFSHash:        pending.IPFSHash,
		EncryptionKey:   pending.EncryptionKey,
		Source:          model.RecordSourceIssuance,
	}
	if err := w.records.Upsert(record); err != nil {
		w.log.Error("Mint %s confirmed but service record write failed (reconciliation will repair): %v",
			info.TxId, err)
	}

	return notices, nil
}

func (w *Workflow) extractMints(info *tron.TransactionInfo) []MintedNotice {
	contract := w.ledger.Contract()
	var notices []MintedNotice
	for _, l := range info.Logs {
		event, err := contract.ParseEvent(l)
		if err != nil {
			w.log.Warn("Unparseable log in tx %s: %v", info.TxId, err)
			continue
		}
		if event["eventName"] != "NoticeServed" {
			continue
		}

		recipient, ok := event["recipient"].(common.Address)
		if !ok {
			continue
		}
		alertId, ok := event["alertId"].(*big.Int)
		if !ok {
			continue
		}
		documentId, ok := event["documentId"].(*big.Int)
		if !ok {
			continue
		}
		notices = append(notices, MintedNotice{
			Recipient:       tron.FromEVM(recipient).String(),
			AlertTokenId:    alertId.Int64(),
			DocumentTokenId: documentId.Int64(),
		})
	}
	return notices
}

// checkEnergy enforces the resource budget before submission.
func (w *Workflow) checkEnergy(ctx context.Context, mints int64) error {
	needed := w.opts.EnergyEstimate * mints
	if needed == 0 {
		return nil
	}

	available, err := w.ledger.AccountEnergy(ctx)
	if err != nil {
		w.log.Warn("Energy lookup failed, proceeding under fee limit: %v", err)
		return nil
	}
	if available >= needed {
		return nil
	}

	if w.renter != nil {
		w.log.Info("Renting %d energy (have %d, need %d)", needed-available, available, needed)
		if err := w.renter.Rent(ctx, needed-available); err == nil {
			return nil
		} else {
			w.log.Warn("Energy rental failed: %v", err)
		}
	}

	if w.opts.EnergyPolicy == "require" {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientEnergy, available, needed)
	}
	w.log.Warn("Proceeding with %d energy against an estimated %d; shortfall burns TRX under fee limit %d",
		available, needed, w.opts.FeeLimit)
	return nil
}

func (w *Workflow) buildMetadataURI(req *Request, cid string) (string, error) {
	if w.opts.MetadataBaseURI != "" {
		return strings.TrimRight(w.opts.MetadataBaseURI, "/") + "/" + cid, nil
	}

	meta := map[string]interface{}{
		"name":        fmt.Sprintf("Legal Notice %s", req.CaseNumber),
		"description": fmt.Sprintf("%s issued by %s", req.NoticeType, req.IssuingAgency),
		"attributes": []map[string]string{
			{"trait_type": "Case Number", "value": req.CaseNumber},
			{"trait_type": "Notice Type", "value": req.NoticeType},
			{"trait_type": "Issuing Agency", "value": req.IssuingAgency},
		},
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to build metadata: %w", err)
	}
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(encoded), nil
}

func validate(req *Request) ([]tron.Address, error) {
	if req.CaseNumber == "" {
		return nil, errors.New("notice: case number is required")
	}
	if len(req.Document) == 0 {
		return nil, errors.New("notice: document is required")
	}
	if len(req.Recipients) == 0 {
		return nil, errors.New("notice: at least one recipient is required")
	}

	recipients := make([]tron.Address, len(req.Recipients))
	for i, r := range req.Recipients {
		addr, err := tron.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("notice: recipient %q: %w", r, err)
		}
		recipients[i] = addr
	}
	return recipients, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
