package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/logic"
	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "TFfagVe1aZpSfYaruY6xJfVPYZBuMj57FH"
	walletB = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	serverT = "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8"
)

type fakeChain struct {
	total    int64
	owners   map[int64]string // alert id -> owner base58
	pairs    map[int64]int64  // alert id -> document id
	accepted map[int64]bool   // alert id -> noticeAccepted
}

func (f *fakeChain) TotalNotices(ctx context.Context) (int64, error) {
	return f.total, nil
}

func (f *fakeChain) OwnerOf(ctx context.Context, tokenId int64) (tron.Address, error) {
	owner, ok := f.owners[tokenId]
	if !ok {
		return tron.Address{}, fmt.Errorf("ownerOf(%d): token does not exist", tokenId)
	}
	return tron.ParseAddress(owner)
}

func (f *fakeChain) DocumentOfAlert(ctx context.Context, alertId int64) (int64, error) {
	doc, ok := f.pairs[alertId]
	if !ok {
		return 0, errors.New("pairing unavailable")
	}
	return doc, nil
}

func (f *fakeChain) IsAccepted(ctx context.Context, alertId int64) (bool, error) {
	return f.accepted[alertId], nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[int64]*model.CaseServiceRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*model.CaseServiceRecord)}
}

func (m *memStore) FindByAlertToken(alertId int64) (*model.CaseServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.lookup(alertId)
	if r == nil {
		return nil, logic.ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

// lookup matches either the primary pair columns or the full pair
// list, mirroring the jsonb containment query in the real store.
func (m *memStore) lookup(alertId int64) *model.CaseServiceRecord {
	if r, ok := m.rows[alertId]; ok {
		return r
	}
	for _, r := range m.rows {
		if r.TokenPairs.ContainsAlert(alertId) {
			return r
		}
	}
	return nil
}

func (m *memStore) CreateRecovered(alertId, documentId int64, owner, serverAddress string) (*model.CaseServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[alertId]; exists {
		return nil, errors.New("duplicate alert token")
	}
	r := &model.CaseServiceRecord{
		CaseNumber:      fmt.Sprintf("RECOVERED-%d", alertId),
		ServerAddress:   serverAddress,
		AlertTokenId:    alertId,
		DocumentTokenId: documentId,
		TokenPairs:      model.TokenPairList{{Alert: alertId, Document: documentId}},
		Recipients:      model.StringArray{owner},
		Source:          model.RecordSourceReconciliation,
	}
	m.rows[alertId] = r
	return r, nil
}

func (m *memStore) UpdateRecipients(alertId int64, recipients model.StringArray) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.lookup(alertId)
	if r == nil {
		return logic.ErrRecordNotFound
	}
	r.Recipients = recipients
	r.Source = model.RecordSourceReconciliation
	return nil
}

func (m *memStore) MarkAccepted(alertId int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.lookup(alertId)
	if r == nil {
		return logic.ErrRecordNotFound
	}
	r.Accepted = true
	return nil
}

func testReconciler(t *testing.T, chain *fakeChain, store *memStore) *Reconciler {
	t.Helper()
	log, err := logger.New(logger.ERROR)
	require.NoError(t, err)
	return New(chain, store, Options{
		Workers:       4,
		Rate:          10_000, // tests should not sleep
		ServerAddress: serverT,
	}, log)
}

// A ledger holding four notices the database never recorded converges
// to exactly four recovered rows, one per alert, each paired with its
// document token.
func TestRun_RecoversMissingRecords(t *testing.T) {
	chain := &fakeChain{
		total: 38,
		owners: map[int64]string{
			1: walletA, 17: walletA, 29: walletA, 37: walletA,
		},
		pairs: map[int64]int64{1: 2, 17: 18, 29: 30, 37: 38},
	}
	store := newMemStore()

	report, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.Created)
	assert.Equal(t, int64(0), report.Updated)
	assert.Equal(t, int64(0), report.Matched)
	// odd ids 3..35 that never minted
	assert.Equal(t, int64(15), report.Skipped)
	assert.Equal(t, int64(19), report.Scanned)

	require.Len(t, store.rows, 4)
	for _, alertId := range []int64{1, 17, 29, 37} {
		row, ok := store.rows[alertId]
		require.True(t, ok, "alert %d", alertId)
		assert.Equal(t, fmt.Sprintf("RECOVERED-%d", alertId), row.CaseNumber)
		assert.Equal(t, alertId+1, row.DocumentTokenId)
		assert.Equal(t, model.StringArray{walletA}, row.Recipients)
		assert.Equal(t, serverT, row.ServerAddress)
		assert.Equal(t, model.RecordSourceReconciliation, row.Source)
		assert.Nil(t, row.ServedAt)
	}
}

// A second pass over an already-converged store changes nothing.
func TestRun_Idempotent(t *testing.T) {
	chain := &fakeChain{
		total:  4,
		owners: map[int64]string{1: walletA, 3: walletB},
		pairs:  map[int64]int64{1: 2, 3: 4},
	}
	store := newMemStore()
	rec := testReconciler(t, chain, store)

	first, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Created)

	second, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Created)
	assert.Equal(t, int64(0), second.Updated)
	assert.Equal(t, int64(2), second.Matched)
	assert.Len(t, store.rows, 2)
}

func TestRun_CorrectsMovedOwnership(t *testing.T) {
	chain := &fakeChain{
		total:  2,
		owners: map[int64]string{1: walletB},
		pairs:  map[int64]int64{1: 2},
	}
	store := newMemStore()
	store.rows[1] = &model.CaseServiceRecord{
		CaseNumber:      "24-CV-000037",
		ServerAddress:   serverT,
		AlertTokenId:    1,
		DocumentTokenId: 2,
		Recipients:      model.StringArray{walletA},
		Source:          model.RecordSourceIssuance,
	}

	report, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Updated)
	assert.Equal(t, model.StringArray{walletB}, store.rows[1].Recipients)
	assert.Equal(t, model.RecordSourceReconciliation, store.rows[1].Source)
	// the original case number survives the correction
	assert.Equal(t, "24-CV-000037", store.rows[1].CaseNumber)
}

// Pairing reads that fail fall back to the sequential layout.
func TestRun_LegacyPairFallback(t *testing.T) {
	chain := &fakeChain{
		total:  2,
		owners: map[int64]string{1: walletA},
		pairs:  map[int64]int64{}, // documentOfAlert unavailable
	}
	store := newMemStore()

	report, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Created)
	assert.Equal(t, int64(2), store.rows[1].DocumentTokenId)
}

// Tokens the contract holds itself were never served and produce no
// rows.
func TestRun_SkipsContractHeldTokens(t *testing.T) {
	chain := &fakeChain{
		total:  4,
		owners: map[int64]string{1: walletB, 3: walletA},
		pairs:  map[int64]int64{1: 2, 3: 4},
	}
	store := newMemStore()

	log, err := logger.New(logger.ERROR)
	require.NoError(t, err)
	rec := New(chain, store, Options{
		Workers:         2,
		Rate:            10_000,
		ServerAddress:   serverT,
		ContractAddress: walletB,
	}, log)

	report, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Created)
	assert.Equal(t, int64(1), report.Skipped)
	_, exists := store.rows[1]
	assert.False(t, exists)
}

// Acceptance happens in recipient-signed transactions this service
// never sees, so the pass mirrors the on-chain flag into the record.
func TestRun_MirrorsAcceptance(t *testing.T) {
	chain := &fakeChain{
		total:    4,
		owners:   map[int64]string{1: walletA, 3: walletB},
		pairs:    map[int64]int64{1: 2, 3: 4},
		accepted: map[int64]bool{1: true},
	}
	store := newMemStore()
	store.rows[1] = &model.CaseServiceRecord{
		CaseNumber:    "24-CV-000037",
		ServerAddress: serverT,
		AlertTokenId:  1,
		TokenPairs:    model.TokenPairList{{Alert: 1, Document: 2}},
		Recipients:    model.StringArray{walletA},
		Source:        model.RecordSourceIssuance,
	}
	store.rows[3] = &model.CaseServiceRecord{
		CaseNumber:    "24-CV-000038",
		ServerAddress: serverT,
		AlertTokenId:  3,
		TokenPairs:    model.TokenPairList{{Alert: 3, Document: 4}},
		Recipients:    model.StringArray{walletB},
		Source:        model.RecordSourceIssuance,
	}

	report, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Matched)
	assert.Equal(t, int64(1), report.Accepted)
	assert.True(t, store.rows[1].Accepted)
	assert.False(t, store.rows[3].Accepted)

	// already flagged, second pass does not count it again
	second, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Accepted)
}

// A batch mint stores one row listing every pair, so alerts beyond the
// first must match that row instead of spawning recovered duplicates.
func TestRun_BatchRowCoversAllPairs(t *testing.T) {
	chain := &fakeChain{
		total:  4,
		owners: map[int64]string{1: walletA, 3: walletB},
		pairs:  map[int64]int64{1: 2, 3: 4},
	}
	store := newMemStore()
	store.rows[1] = &model.CaseServiceRecord{
		CaseNumber:    "24-CV-000041",
		ServerAddress: serverT,
		AlertTokenId:  1,
		TokenPairs:    model.TokenPairList{{Alert: 1, Document: 2}, {Alert: 3, Document: 4}},
		Recipients:    model.StringArray{walletA, walletB},
		Source:        model.RecordSourceIssuance,
	}

	report, err := testReconciler(t, chain, store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.Matched)
	assert.Equal(t, int64(0), report.Created)
	assert.Len(t, store.rows, 1)
}

func TestRun_EmptyLedger(t *testing.T) {
	chain := &fakeChain{total: 0}
	report, err := testReconciler(t, chain, newMemStore()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Scanned)
}
