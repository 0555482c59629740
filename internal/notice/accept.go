package notice

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockserved/notice-service/internal/tron"
)

// ErrAcceptanceNotProven means the given transaction carries no
// NoticeAccepted event for the alert in question.
var ErrAcceptanceNotProven = errors.New("notice: transaction does not prove acceptance")

// VerifyAcceptance checks a recipient's acceptance transaction against
// the chain and returns the accepting wallet. Acceptance calls are
// signed by the recipient, never by this service, so the receipt's
// NoticeAccepted event is the only proof the flag flip is warranted.
func (w *Workflow) VerifyAcceptance(ctx context.Context, txId string, alertId int64) (string, error) {
	info, err := w.ledger.TransactionInfo(ctx, txId)
	if err != nil {
		return "", err
	}
	if !info.Success {
		return "", fmt.Errorf("%w: tx %s reverted", ErrAcceptanceNotProven, txId)
	}

	contract := w.ledger.Contract()
	for _, l := range info.Logs {
		event, err := contract.ParseEvent(l)
		if err != nil {
			w.log.Warn("Unparseable log in tx %s: %v", txId, err)
			continue
		}
		if event["eventName"] != "NoticeAccepted" {
			continue
		}
		id, ok := event["alertId"].(*big.Int)
		if !ok || id.Int64() != alertId {
			continue
		}
		recipient, ok := event["recipient"].(common.Address)
		if !ok {
			continue
		}
		return tron.FromEVM(recipient).String(), nil
	}

	return "", fmt.Errorf("%w: tx %s has no NoticeAccepted event for alert %d",
		ErrAcceptanceNotProven, txId, alertId)
}
