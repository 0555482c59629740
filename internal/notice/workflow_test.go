package notice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/blockserved/notice-service/internal/fees"
	"github.com/blockserved/notice-service/internal/ipfs"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	recipientA = "TFfagVe1aZpSfYaruY6xJfVPYZBuMj57FH"
	recipientB = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

// fakeLedger simulates the chain: Trigger mints, TransactionInfo
// returns a receipt carrying NoticeServed logs.
type fakeLedger struct {
	mu           sync.Mutex
	contract     *tron.Contract
	owner        tron.Address
	energy       int64
	nextAlertId  int64
	rejectBatch  bool
	failTrigger  error
	receipts     map[string]*tron.TransactionInfo
	triggerCalls []string // selectors in submission order
	lostReceipts bool     // broadcast succeeds but receipt never appears
}

func newFakeLedger(t *testing.T) *fakeLedger {
	t.Helper()
	contractAddr, err := tron.ParseAddress(recipientB)
	require.NoError(t, err)
	contract, err := tron.NewContract(contractAddr)
	require.NoError(t, err)
	owner, err := tron.ParseAddress(recipientA)
	require.NoError(t, err)
	return &fakeLedger{
		contract:    contract,
		owner:       owner,
		energy:      1_000_000,
		nextAlertId: 17,
		receipts:    make(map[string]*tron.TransactionInfo),
	}
}

func (f *fakeLedger) OwnerAddress() tron.Address { return f.owner }
func (f *fakeLedger) Contract() *tron.Contract   { return f.contract }

func (f *fakeLedger) AccountEnergy(ctx context.Context) (int64, error) {
	return f.energy, nil
}

func (f *fakeLedger) Trigger(ctx context.Context, selector, parameterHex string, callValue, feeLimit int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerCalls = append(f.triggerCalls, selector)

	if f.failTrigger != nil {
		return "", f.failTrigger
	}
	if f.rejectBatch && selector == f.contract.ABI().Methods["serveNoticeBatch"].Sig {
		return "", fmt.Errorf("%w: batch encoding not accepted", tron.ErrCallRejected)
	}

	txId := fmt.Sprintf("%064x", len(f.receipts)+1)
	if f.lostReceipts {
		return txId, nil
	}

	f.receipts[txId] = f.mintReceipt(txId, selector, parameterHex)
	return txId, nil
}

// mintReceipt fabricates a NoticeServed log per recipient encoded in
// the call parameter.
func (f *fakeLedger) mintReceipt(txId, selector, parameterHex string) *tron.TransactionInfo {
	event := f.contract.ABI().Events["NoticeServed"]

	info := &tron.TransactionInfo{TxId: txId, BlockNumber: 100, Success: true}
	for _, addr := range f.decodeRecipients(selector, parameterHex) {
		alertId := f.nextAlertId
		f.nextAlertId += 2
		data, _ := event.Inputs.NonIndexed().Pack(
			big.NewInt(alertId), big.NewInt(alertId+1), "24-CV-000037")
		info.Logs = append(info.Logs, tron.Log{
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(addr.Bytes()),
				common.BytesToHash(f.owner.EVM().Bytes()),
			},
			Data: data,
		})
	}
	return info
}

func (f *fakeLedger) decodeRecipients(selector, parameterHex string) []common.Address {
	raw, err := hex.DecodeString(parameterHex)
	if err != nil {
		return nil
	}
	methods := f.contract.ABI().Methods
	switch selector {
	case methods["serveNotice"].Sig:
		args, err := methods["serveNotice"].Inputs.Unpack(raw)
		if err != nil || len(args) == 0 {
			return nil
		}
		return []common.Address{args[0].(common.Address)}
	case methods["serveNoticeBatch"].Sig:
		args, err := methods["serveNoticeBatch"].Inputs.Unpack(raw)
		if err != nil || len(args) == 0 {
			return nil
		}
		tuples := reflect.ValueOf(args[0])
		out := make([]common.Address, 0, tuples.Len())
		for i := 0; i < tuples.Len(); i++ {
			out = append(out, tuples.Index(i).FieldByName("Recipient").Interface().(common.Address))
		}
		return out
	}
	return nil
}

func (f *fakeLedger) TransactionInfo(ctx context.Context, txId string) (*tron.TransactionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.receipts[txId]
	if !ok {
		return nil, tron.ErrTxNotFound
	}
	return info, nil
}

type fakePinner struct {
	cid   string
	err   error
	calls int
}

func (f *fakePinner) Pin(ctx context.Context, data []byte, meta ipfs.PinMeta) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.cid, nil
}

type fakeFeeReader struct{}

func (fakeFeeReader) IsFeeExempt(ctx context.Context, sender tron.Address) (bool, error) {
	return false, nil
}
func (fakeFeeReader) ServiceFee(ctx context.Context) (int64, error)     { return 20_000_000, nil }
func (fakeFeeReader) CreationFee(ctx context.Context) (int64, error)    { return 5_000_000, nil }
func (fakeFeeReader) SponsorshipFee(ctx context.Context) (int64, error) { return 2_000_000, nil }

// memPendingRepo is an in-memory PendingRepo.
type memPendingRepo struct {
	mu   sync.Mutex
	rows map[string]*model.PendingMint
}

func newMemPendingRepo() *memPendingRepo {
	return &memPendingRepo{rows: make(map[string]*model.PendingMint)}
}

func (m *memPendingRepo) Create(p *model.PendingMint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.Id] = &cp
	return nil
}

func (m *memPendingRepo) ById(id string) (*model.PendingMint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPendingRepo) Stale(olderThan time.Duration, limit int) ([]model.PendingMint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PendingMint
	for _, p := range m.rows {
		if p.Status == model.PendingMintStatusPrepared || p.Status == model.PendingMintStatusSubmitted {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPendingRepo) apply(p *model.PendingMint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.Id] = &cp
}

func (m *memPendingRepo) MarkSubmitted(p *model.PendingMint, txId string) {
	p.TxId = txId
	p.Status = model.PendingMintStatusSubmitted
	p.Attempts++
	m.apply(p)
}

func (m *memPendingRepo) MarkConfirmed(p *model.PendingMint, txId string) {
	p.TxId = txId
	p.Status = model.PendingMintStatusConfirmed
	m.apply(p)
}

func (m *memPendingRepo) MarkFailed(p *model.PendingMint, cause error) {
	p.Status = model.PendingMintStatusFailed
	p.LastError = cause.Error()
	m.apply(p)
}

func (m *memPendingRepo) RecordError(p *model.PendingMint, cause error) {
	p.LastError = cause.Error()
	m.apply(p)
}

// memRecords is an in-memory RecordWriter.
type memRecords struct {
	mu   sync.Mutex
	rows []*model.CaseServiceRecord
	err  error
}

func (m *memRecords) Upsert(r *model.CaseServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.rows {
		if existing.CaseNumber == r.CaseNumber && existing.ServerAddress == r.ServerAddress {
			// merge like the real store: first pair kept, the rest unioned
			for _, rec := range r.Recipients {
				if !existing.Recipients.Contains(rec) {
					existing.Recipients = append(existing.Recipients, rec)
				}
			}
			existing.TokenPairs = existing.TokenPairs.Merge(r.TokenPairs)
			existing.TransactionHash = r.TransactionHash
			existing.ServedAt = r.ServedAt
			return nil
		}
	}
	cp := *r
	m.rows = append(m.rows, &cp)
	return nil
}

func testWorkflow(t *testing.T, ledger *fakeLedger) (*Workflow, *memPendingRepo, *memRecords, *fakePinner) {
	t.Helper()
	log, err := logger.New(logger.ERROR)
	require.NoError(t, err)

	pinner := &fakePinner{cid: "QmCiphertext"}
	pendingRepo := newMemPendingRepo()
	records := &memRecords{}
	calc := fees.NewCalculator(fakeFeeReader{}, 27_000_000, log)

	wf := NewWorkflow(ledger, pinner, calc, records, pendingRepo, Options{
		FeeLimit:       1_000_000_000,
		EnergyEstimate: 400_000,
		EnergyPolicy:   "burn",
		ConfirmTimeout: 2 * time.Second,
	}, nil, log)
	return wf, pendingRepo, records, pinner
}

func baseRequest() *Request {
	return &Request{
		Recipients:    []string{recipientA},
		CaseNumber:    "24-CV-000037",
		IssuingAgency: "County Sheriff",
		NoticeType:    "summons",
		CaseDetails:   "civil action",
		LegalRights:   "you have the right to respond",
		Document:      []byte("summons and complaint"),
		SponsorFees:   true,
	}
}

func TestServe_SingleRecipient(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, pendingRepo, records, pinner := testWorkflow(t, ledger)

	result, err := wf.Serve(context.Background(), baseRequest())
	require.NoError(t, err)

	// exactly one alert/document pair from the mint events
	require.Len(t, result.Notices, 1)
	assert.Equal(t, int64(17), result.Notices[0].AlertTokenId)
	assert.Equal(t, int64(18), result.Notices[0].DocumentTokenId)
	assert.Equal(t, recipientA, result.Notices[0].Recipient)

	// non-exempt sender, sponsorship on: 20M + 5M + 2M
	assert.Equal(t, int64(27_000_000), result.FeeAttached)

	// upload happened exactly once, before the mint
	assert.Equal(t, 1, pinner.calls)
	assert.Equal(t, "QmCiphertext", result.IPFSHash)

	// record row mirrors the minted ids
	require.Len(t, records.rows, 1)
	row := records.rows[0]
	assert.Equal(t, int64(17), row.AlertTokenId)
	assert.Equal(t, int64(18), row.DocumentTokenId)
	assert.Equal(t, model.TokenPairList{{Alert: 17, Document: 18}}, row.TokenPairs)
	assert.Equal(t, model.StringArray{recipientA}, row.Recipients)
	assert.Equal(t, "QmCiphertext", row.IPFSHash)
	assert.NotEmpty(t, row.EncryptionKey)

	// pending row confirmed
	p, err := pendingRepo.ById(result.PendingId)
	require.NoError(t, err)
	assert.Equal(t, model.PendingMintStatusConfirmed, p.Status)
}

func TestServe_ValidationRejectedBeforeAnyCall(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, _, _, pinner := testWorkflow(t, ledger)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no case number", func(r *Request) { r.CaseNumber = "" }},
		{"no document", func(r *Request) { r.Document = nil }},
		{"no recipients", func(r *Request) { r.Recipients = nil }},
		{"bad recipient", func(r *Request) { r.Recipients = []string{"not-an-address"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			_, err := wf.Serve(context.Background(), req)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, pinner.calls)
	assert.Empty(t, ledger.triggerCalls)
}

func TestServe_UploadFailureAbortsBeforeMint(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, _, records, pinner := testWorkflow(t, ledger)
	pinner.err = errors.New("pinning service down")

	_, err := wf.Serve(context.Background(), baseRequest())
	assert.Error(t, err)
	assert.Empty(t, ledger.triggerCalls)
	assert.Empty(t, records.rows)
}

func TestServe_EnergyPolicyRequire(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.energy = 100 // far below the estimate
	wf, _, _, _ := testWorkflow(t, ledger)
	wf.opts.EnergyPolicy = "require"

	_, err := wf.Serve(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrInsufficientEnergy)
	assert.Empty(t, ledger.triggerCalls)
}

func TestServe_RecordWriteFailureDoesNotFailMint(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, _, records, _ := testWorkflow(t, ledger)
	records.err = errors.New("database unavailable")

	result, err := wf.Serve(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, result.Notices, 1)
}

// A batch mint to several recipients lands as one record row listing
// every minted pair, not just the first.
func TestServe_BatchRecordsEveryPair(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, _, records, _ := testWorkflow(t, ledger)

	req := baseRequest()
	req.Recipients = []string{recipientA, recipientB}

	result, err := wf.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Notices, 2)

	require.Len(t, records.rows, 1)
	row := records.rows[0]
	assert.Equal(t, int64(17), row.AlertTokenId)
	assert.Equal(t, int64(18), row.DocumentTokenId)
	assert.Equal(t, model.TokenPairList{
		{Alert: 17, Document: 18},
		{Alert: 19, Document: 20},
	}, row.TokenPairs)
	assert.Equal(t, model.StringArray{recipientA, recipientB}, row.Recipients)
}

func TestServe_BatchFallsBackToSequential(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.rejectBatch = true
	wf, _, records, pinner := testWorkflow(t, ledger)

	req := baseRequest()
	req.Recipients = []string{recipientA, recipientB}

	result, err := wf.Serve(context.Background(), req)
	require.NoError(t, err)

	// one rejected batch call, then one single call per recipient
	batchSig := ledger.contract.ABI().Methods["serveNoticeBatch"].Sig
	singleSig := ledger.contract.ABI().Methods["serveNotice"].Sig
	require.Len(t, ledger.triggerCalls, 3)
	assert.Equal(t, batchSig, ledger.triggerCalls[0])
	assert.Equal(t, singleSig, ledger.triggerCalls[1])
	assert.Equal(t, singleSig, ledger.triggerCalls[2])

	assert.Len(t, result.Notices, 2)
	// document never re-encrypted or re-uploaded for the fallback
	assert.Equal(t, 1, pinner.calls)

	// sequential mints land one at a time but merge into one row
	// carrying both pairs
	require.Len(t, records.rows, 1)
	assert.Equal(t, model.TokenPairList{
		{Alert: 17, Document: 18},
		{Alert: 19, Document: 20},
	}, records.rows[0].TokenPairs)
	assert.Equal(t, model.StringArray{recipientA, recipientB}, records.rows[0].Recipients)
}

func TestRetry_FinalizesWhenFirstAttemptActuallyLanded(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.lostReceipts = true
	wf, pendingRepo, records, _ := testWorkflow(t, ledger)
	wf.opts.ConfirmTimeout = 100 * time.Millisecond

	// first attempt: broadcast succeeds, receipt never appears
	_, err := wf.Serve(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrConfirmTimeout)

	var pendingId, txId string
	var stored model.PendingMint
	for id, p := range pendingRepo.rows {
		pendingId = id
		txId = p.TxId
		stored = *p
	}
	require.NotEmpty(t, txId)

	// the receipt surfaces after the client gave up
	ledger.mu.Lock()
	ledger.receipts[txId] = ledger.mintReceipt(txId, stored.FunctionSelector, stored.ParameterHex)
	ledger.mu.Unlock()

	result, err := wf.Retry(context.Background(), pendingId)
	require.NoError(t, err)
	assert.Equal(t, txId, result.TxId)

	// no second broadcast happened
	assert.Len(t, ledger.triggerCalls, 1)
	require.Len(t, records.rows, 1)

	p, err := pendingRepo.ById(pendingId)
	require.NoError(t, err)
	assert.Equal(t, model.PendingMintStatusConfirmed, p.Status)
}

func TestRetry_ResubmitsIdenticalParameters(t *testing.T) {
	ledger := newFakeLedger(t)
	ledger.failTrigger = errors.New("node unreachable")
	wf, pendingRepo, _, _ := testWorkflow(t, ledger)

	_, err := wf.Serve(context.Background(), baseRequest())
	require.Error(t, err)

	var pendingId string
	var original model.PendingMint
	for id, p := range pendingRepo.rows {
		pendingId = id
		original = *p
	}

	ledger.failTrigger = nil
	result, err := wf.Retry(context.Background(), pendingId)
	require.NoError(t, err)
	require.Len(t, result.Notices, 1)

	retried, err := pendingRepo.ById(pendingId)
	require.NoError(t, err)
	// the exact prepared encoding was replayed
	assert.Equal(t, original.FunctionSelector, retried.FunctionSelector)
	assert.Equal(t, original.ParameterHex, retried.ParameterHex)
	assert.Equal(t, original.CallValue, retried.CallValue)
}

func TestRetry_ConfirmedMintIsNotResubmitted(t *testing.T) {
	ledger := newFakeLedger(t)
	wf, _, _, _ := testWorkflow(t, ledger)

	result, err := wf.Serve(context.Background(), baseRequest())
	require.NoError(t, err)
	calls := len(ledger.triggerCalls)

	_, err = wf.Retry(context.Background(), result.PendingId)
	assert.Error(t, err)
	assert.Len(t, ledger.triggerCalls, calls)
}
