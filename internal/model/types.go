package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringArray is a JSON-backed string list column. It always writes a
// well-formed JSON array and refuses to read anything else, so legacy
// comma-separated corruption cannot enter or leave the store.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		a = StringArray{}
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, fmt.Errorf("failed to encode string array: %w", err)
	}
	return string(b), nil
}

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string array column type %T", value)
	}

	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("malformed string array column %q: %w", string(data), err)
	}
	*a = out
	return nil
}

// Contains reports whether the array holds the given value.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// TokenPair is one minted Alert/Document token id pair.
type TokenPair struct {
	Alert    int64 `json:"alert"`
	Document int64 `json:"document"`
}

// TokenPairList is a JSON-backed column holding every pair minted for
// one service record. A batch mint produces one row whose pair list
// carries all of its notices.
type TokenPairList []TokenPair

func (p TokenPairList) Value() (driver.Value, error) {
	if p == nil {
		p = TokenPairList{}
	}
	b, err := json.Marshal([]TokenPair(p))
	if err != nil {
		return nil, fmt.Errorf("failed to encode token pair list: %w", err)
	}
	return string(b), nil
}

func (p *TokenPairList) Scan(value interface{}) error {
	if value == nil {
		*p = TokenPairList{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported token pair column type %T", value)
	}

	var out []TokenPair
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("malformed token pair column %q: %w", string(data), err)
	}
	*p = out
	return nil
}

// ContainsAlert reports whether any pair carries the given alert id.
func (p TokenPairList) ContainsAlert(alertId int64) bool {
	for _, pair := range p {
		if pair.Alert == alertId {
			return true
		}
	}
	return false
}

// Merge returns the union of both lists, preserving order of first
// appearance.
func (p TokenPairList) Merge(other TokenPairList) TokenPairList {
	out := append(TokenPairList{}, p...)
	for _, pair := range other {
		seen := false
		for _, have := range out {
			if have == pair {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, pair)
		}
	}
	return out
}
