package tron

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/blockserved/notice-service/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// noticeABI is the pinned contract revision this service trusts.
// Earlier revisions used different struct layouts and token-numbering
// schemes; they are migration-only and never compiled in here.
const noticeABI = `[
	{
		"inputs": [
			{"name": "recipient", "type": "address"},
			{"name": "encryptedIPFS", "type": "string"},
			{"name": "encryptionKey", "type": "string"},
			{"name": "issuingAgency", "type": "string"},
			{"name": "noticeType", "type": "string"},
			{"name": "caseNumber", "type": "string"},
			{"name": "caseDetails", "type": "string"},
			{"name": "legalRights", "type": "string"},
			{"name": "sponsorFees", "type": "bool"},
			{"name": "metadataURI", "type": "string"}
		],
		"name": "serveNotice",
		"outputs": [
			{"name": "alertId", "type": "uint256"},
			{"name": "documentId", "type": "uint256"}
		],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"name": "recipient", "type": "address"},
					{"name": "encryptedIPFS", "type": "string"},
					{"name": "encryptionKey", "type": "string"},
					{"name": "issuingAgency", "type": "string"},
					{"name": "noticeType", "type": "string"},
					{"name": "caseNumber", "type": "string"},
					{"name": "caseDetails", "type": "string"},
					{"name": "legalRights", "type": "string"},
					{"name": "sponsorFees", "type": "bool"},
					{"name": "metadataURI", "type": "string"}
				],
				"name": "batch",
				"type": "tuple[]"
			}
		],
		"name": "serveNoticeBatch",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "ownerOf",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalNotices",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "serviceFee",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "creationFee",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "sponsorshipFee",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "sender", "type": "address"}],
		"name": "serviceFeeExemptions",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "alertId", "type": "uint256"}],
		"name": "documentOfAlert",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "alertId", "type": "uint256"}],
		"name": "noticeAccepted",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "recipient", "type": "address"},
			{"indexed": true, "name": "server", "type": "address"},
			{"indexed": false, "name": "alertId", "type": "uint256"},
			{"indexed": false, "name": "documentId", "type": "uint256"},
			{"indexed": false, "name": "caseNumber", "type": "string"}
		],
		"name": "NoticeServed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "recipient", "type": "address"},
			{"indexed": false, "name": "alertId", "type": "uint256"}
		],
		"name": "NoticeAccepted",
		"type": "event"
	}
]`

// Log is one contract event entry from a transaction receipt.
type Log struct {
	Address string
	Topics  []common.Hash
	Data    []byte
}

// Contract wraps the pinned notice contract ABI.
type Contract struct {
	address Address
	abi     abi.ABI
}

func NewContract(address Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(noticeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse notice contract ABI: %w", err)
	}
	return &Contract{address: address, abi: parsed}, nil
}

func (c *Contract) Address() Address {
	return c.address
}

func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// PackCall encodes a method call into the selector/parameter split the
// node API expects.
func (c *Contract) PackCall(method string, args ...interface{}) (string, string, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return "", "", fmt.Errorf("unknown contract method %s", method)
	}
	input, err := m.Inputs.Pack(args...)
	if err != nil {
		return "", "", fmt.Errorf("failed to pack %s parameters: %w", method, err)
	}
	return m.Sig, hex.EncodeToString(input), nil
}

// UnpackResult decodes a constant-call result.
func (c *Contract) UnpackResult(method string, data []byte) ([]interface{}, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown contract method %s", method)
	}
	values, err := m.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return values, nil
}

// ParseEvent decodes a receipt log entry against the pinned ABI.
func (c *Contract) ParseEvent(l Log) (map[string]interface{}, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("log entry has no topics")
	}
	eventSignature := l.Topics[0].Hex()

	for eventName, event := range c.abi.Events {
		if event.ID.Hex() == eventSignature {
			return c.parseEvent(eventName, l, event)
		}
	}

	logger.Warn("Unknown event signature: %s", eventSignature)
	return map[string]interface{}{
		"eventName": "Unknown",
		"signature": eventSignature,
	}, nil
}

func (c *Contract) parseEvent(eventName string, l Log, event abi.Event) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	result["eventName"] = eventName

	if len(l.Topics) > 1 {
		topicIdx := 1
		for _, input := range event.Inputs {
			if !input.Indexed {
				continue
			}
			if topicIdx >= len(l.Topics) {
				break
			}
			value, err := c.parseTopicValue(l.Topics[topicIdx], input.Type)
			if err != nil {
				logger.Warn("Failed to parse indexed parameter %s: %v", input.Name, err)
				topicIdx++
				continue
			}
			result[input.Name] = value
			topicIdx++
		}
	}

	if len(l.Data) > 0 {
		nonIndexedInputs := make([]abi.Argument, 0)
		for _, input := range event.Inputs {
			if !input.Indexed {
				nonIndexedInputs = append(nonIndexedInputs, input)
			}
		}

		if len(nonIndexedInputs) > 0 {
			values, err := c.abi.Unpack(eventName, l.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to unpack %s data: %w", eventName, err)
			}
			for i, input := range nonIndexedInputs {
				if i < len(values) {
					result[input.Name] = values[i]
				}
			}
		}
	}

	return result, nil
}

func (c *Contract) parseTopicValue(topic common.Hash, t abi.Type) (interface{}, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		return new(big.Int).SetBytes(topic.Bytes()), nil
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes()), nil
	case abi.BoolTy:
		return new(big.Int).SetBytes(topic.Bytes()).Sign() > 0, nil
	default:
		return topic.Hex(), nil
	}
}
