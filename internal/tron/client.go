// Package tron is the ledger client for the notice contract. TRON
// nodes expose a REST API rather than Ethereum JSON-RPC, but the VM is
// ABI-compatible, so call parameters and event logs are encoded and
// decoded with the standard ABI machinery.
package tron

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrCallRejected means the node accepted the request but the
	// contract call itself was rejected.
	ErrCallRejected = errors.New("tron: contract call rejected")
	// ErrTxNotFound means no receipt exists yet for a transaction id.
	ErrTxNotFound = errors.New("tron: transaction not found")
)

// TransactionInfo is a confirmed transaction receipt.
type TransactionInfo struct {
	TxId        string
	BlockNumber int64
	Success     bool
	EnergyUsed  int64
	Logs        []Log
}

// Client talks to a TRON full node over its HTTP API and signs
// transactions locally.
type Client struct {
	baseURL    string
	httpClient *http.Client
	privateKey *ecdsa.PrivateKey
	owner      Address
	contract   *Contract
}

func NewClient(cfg config.ChainConfig) (*Client, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	contractAddr, err := ParseAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.ContractAddress, err)
	}

	contract, err := NewContract(contractAddr)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.CallTimeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.NodeURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		privateKey: privateKey,
		owner:      FromEVM(crypto.PubkeyToAddress(privateKey.PublicKey)),
		contract:   contract,
	}, nil
}

// OwnerAddress is the server account derived from the signing key.
func (c *Client) OwnerAddress() Address {
	return c.owner
}

func (c *Client) Contract() *Contract {
	return c.contract
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned %d for %s", resp.StatusCode, path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type callResult struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	ConstantResult []string        `json:"constant_result"`
	Transaction    json.RawMessage `json:"transaction"`
}

// decodeNodeMessage turns the node's hex-encoded error message into
// readable text.
func decodeNodeMessage(msg string) string {
	if decoded, err := hex.DecodeString(msg); err == nil {
		return string(decoded)
	}
	return msg
}

// ConstantCall executes a read-only contract method and returns the
// decoded outputs.
func (c *Client) ConstantCall(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	selector, parameter, err := c.contract.PackCall(method, args...)
	if err != nil {
		return nil, err
	}

	var result callResult
	err = c.post(ctx, "/wallet/triggerconstantcontract", map[string]interface{}{
		"owner_address":     c.owner.Hex(),
		"contract_address":  c.contract.Address().Hex(),
		"function_selector": selector,
		"parameter":         parameter,
	}, &result)
	if err != nil {
		return nil, err
	}
	if !result.Result.Result {
		return nil, fmt.Errorf("%w: %s %s", ErrCallRejected, method, decodeNodeMessage(result.Result.Message))
	}
	if len(result.ConstantResult) == 0 {
		return nil, fmt.Errorf("constant call %s returned no result", method)
	}

	data, err := hex.DecodeString(result.ConstantResult[0])
	if err != nil {
		return nil, fmt.Errorf("invalid constant result for %s: %w", method, err)
	}
	return c.contract.UnpackResult(method, data)
}

func (c *Client) constantUint(ctx context.Context, method string, args ...interface{}) (int64, error) {
	values, err := c.ConstantCall(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%s returned no values", method)
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s returned %T, expected uint256", method, values[0])
	}
	return n.Int64(), nil
}

// OwnerOf returns the current owner of a token.
func (c *Client) OwnerOf(ctx context.Context, tokenId int64) (Address, error) {
	values, err := c.ConstantCall(ctx, "ownerOf", big.NewInt(tokenId))
	if err != nil {
		return Address{}, err
	}
	if len(values) == 0 {
		return Address{}, fmt.Errorf("ownerOf returned no values")
	}
	evm, ok := values[0].(common.Address)
	if !ok {
		return Address{}, fmt.Errorf("ownerOf returned %T, expected address", values[0])
	}
	return FromEVM(evm), nil
}

// TotalNotices returns the highest minted token id.
func (c *Client) TotalNotices(ctx context.Context) (int64, error) {
	return c.constantUint(ctx, "totalNotices")
}

// DocumentOfAlert returns the document token paired with an alert, or
// zero when the id is not an alert.
func (c *Client) DocumentOfAlert(ctx context.Context, alertId int64) (int64, error) {
	return c.constantUint(ctx, "documentOfAlert", big.NewInt(alertId))
}

func (c *Client) ServiceFee(ctx context.Context) (int64, error) {
	return c.constantUint(ctx, "serviceFee")
}

func (c *Client) CreationFee(ctx context.Context) (int64, error) {
	return c.constantUint(ctx, "creationFee")
}

func (c *Client) SponsorshipFee(ctx context.Context) (int64, error) {
	return c.constantUint(ctx, "sponsorshipFee")
}

// IsAccepted reports whether the recipient has accepted the notice
// behind an alert token. Acceptance is recipient-signed and reaches
// this service only through chain reads.
func (c *Client) IsAccepted(ctx context.Context, alertId int64) (bool, error) {
	values, err := c.ConstantCall(ctx, "noticeAccepted", big.NewInt(alertId))
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return false, fmt.Errorf("noticeAccepted returned no values")
	}
	accepted, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("noticeAccepted returned %T, expected bool", values[0])
	}
	return accepted, nil
}

// IsFeeExempt reports whether the sender is exempt from the service
// fee component.
func (c *Client) IsFeeExempt(ctx context.Context, sender Address) (bool, error) {
	values, err := c.ConstantCall(ctx, "serviceFeeExemptions", sender.EVM())
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return false, fmt.Errorf("serviceFeeExemptions returned no values")
	}
	exempt, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("serviceFeeExemptions returned %T, expected bool", values[0])
	}
	return exempt, nil
}

// Trigger submits a pre-encoded mutation call: build the transaction
// on the node, sign its id locally, broadcast. The selector/parameter
// pair is taken verbatim so persisted parameters replay identically.
func (c *Client) Trigger(ctx context.Context, selector, parameterHex string, callValue, feeLimit int64) (string, error) {
	var result callResult
	err := c.post(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     c.owner.Hex(),
		"contract_address":  c.contract.Address().Hex(),
		"function_selector": selector,
		"parameter":         parameterHex,
		"call_value":        callValue,
		"fee_limit":         feeLimit,
	}, &result)
	if err != nil {
		return "", err
	}
	if !result.Result.Result {
		return "", fmt.Errorf("%w: %s", ErrCallRejected, decodeNodeMessage(result.Result.Message))
	}
	if len(result.Transaction) == 0 {
		return "", errors.New("tron: node returned no transaction to sign")
	}

	var tx map[string]json.RawMessage
	if err := json.Unmarshal(result.Transaction, &tx); err != nil {
		return "", fmt.Errorf("invalid transaction payload: %w", err)
	}

	var txId string
	if err := json.Unmarshal(tx["txID"], &txId); err != nil {
		return "", fmt.Errorf("transaction missing txID: %w", err)
	}
	txIdBytes, err := hex.DecodeString(txId)
	if err != nil {
		return "", fmt.Errorf("invalid txID %q: %w", txId, err)
	}

	signature, err := crypto.Sign(txIdBytes, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	sigJSON, err := json.Marshal([]string{hex.EncodeToString(signature)})
	if err != nil {
		return "", err
	}
	tx["signature"] = sigJSON

	var broadcast struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &broadcast); err != nil {
		return "", err
	}
	if !broadcast.Result {
		return "", fmt.Errorf("tron: broadcast rejected (%s): %s", broadcast.Code, decodeNodeMessage(broadcast.Message))
	}

	return txId, nil
}

// TransactionInfo fetches the receipt for a transaction id.
func (c *Client) TransactionInfo(ctx context.Context, txId string) (*TransactionInfo, error) {
	var raw struct {
		Id          string `json:"id"`
		BlockNumber int64  `json:"blockNumber"`
		Receipt     struct {
			Result           string `json:"result"`
			EnergyUsageTotal int64  `json:"energy_usage_total"`
		} `json:"receipt"`
		Log []struct {
			Address string   `json:"address"`
			Topics  []string `json:"topics"`
			Data    string   `json:"data"`
		} `json:"log"`
	}
	err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txId}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.Id == "" {
		return nil, ErrTxNotFound
	}

	info := &TransactionInfo{
		TxId:        raw.Id,
		BlockNumber: raw.BlockNumber,
		EnergyUsed:  raw.Receipt.EnergyUsageTotal,
		// an empty receipt result means a plain success (no VM error)
		Success: raw.Receipt.Result == "" || raw.Receipt.Result == "SUCCESS",
	}

	for _, l := range raw.Log {
		entry := Log{Address: l.Address}
		for _, topic := range l.Topics {
			entry.Topics = append(entry.Topics, common.HexToHash(topic))
		}
		if l.Data != "" {
			data, err := hex.DecodeString(l.Data)
			if err != nil {
				return nil, fmt.Errorf("invalid log data in tx %s: %w", txId, err)
			}
			entry.Data = data
		}
		info.Logs = append(info.Logs, entry)
	}

	return info, nil
}

// AccountEnergy returns the remaining energy budget of the server
// account.
func (c *Client) AccountEnergy(ctx context.Context) (int64, error) {
	var raw struct {
		EnergyLimit int64 `json:"EnergyLimit"`
		EnergyUsed  int64 `json:"EnergyUsed"`
	}
	err := c.post(ctx, "/wallet/getaccountresource", map[string]string{"address": c.owner.Hex()}, &raw)
	if err != nil {
		return 0, err
	}
	remaining := raw.EnergyLimit - raw.EnergyUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
