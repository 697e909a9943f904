package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"capital-guard/internal/risk"
	"capital-guard/internal/vault"
)

// Request is the canonical input of one spend attempt. Callers construct it
// directly; external payloads go through DecodeRequest at the boundary.
type Request struct {
	Amount    decimal.Decimal
	Pool      vault.Bucket
	ProductID string
	RequestID string
	Day       int

	// Risk carries the point-in-time spend snapshot when the caller wants the
	// safety gate to run. Nil skips the gate (the hard checks still apply).
	Risk *risk.Snapshot
}

// 旧调用方使用过的字段别名，按优先级排列。
var (
	amountAliases  = []string{"amount", "spend", "value"}
	poolAliases    = []string{"pool", "budget", "bucket"}
	productAliases = []string{"product_id", "product", "sku"}
	requestAliases = []string{"request_id", "req_id", "id"}
)

// DecodeRequest adapts a legacy JSON payload into the canonical Request.
// Alias mapping lives here, at the boundary, so the gateway itself only ever
// sees one shape. Boolean amounts are rejected outright.
func DecodeRequest(raw json.RawMessage) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Request{}, fmt.Errorf("gateway: decode request: %w", err)
	}

	var req Request
	rawAmount, ok := firstOf(fields, amountAliases)
	if !ok {
		return Request{}, fmt.Errorf("gateway: request has no amount field")
	}
	amount, err := vault.ParseAmount(rawAmount)
	if err != nil {
		return Request{}, fmt.Errorf("gateway: bad amount: %w", err)
	}
	req.Amount = amount

	rawPool, ok := firstOf(fields, poolAliases)
	if !ok {
		return Request{}, fmt.Errorf("gateway: request has no pool field")
	}
	pool, ok := rawPool.(string)
	if !ok {
		return Request{}, fmt.Errorf("gateway: pool must be a string, got %T", rawPool)
	}
	req.Pool = vault.Bucket(pool)

	if v, ok := firstOf(fields, productAliases); ok {
		if s, ok := v.(string); ok {
			req.ProductID = s
		}
	}
	if v, ok := firstOf(fields, requestAliases); ok {
		if s, ok := v.(string); ok {
			req.RequestID = s
		}
	}
	if v, ok := fields["day"]; ok {
		n, ok := v.(json.Number)
		if !ok {
			return Request{}, fmt.Errorf("gateway: day must be a number, got %T", v)
		}
		day, err := n.Int64()
		if err != nil {
			return Request{}, fmt.Errorf("gateway: bad day: %w", err)
		}
		req.Day = int(day)
	}
	return req, nil
}

func firstOf(fields map[string]any, aliases []string) (any, bool) {
	for _, name := range aliases {
		if v, ok := fields[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// identity is the payload the idempotency key is derived from.
func (r Request) identity() map[string]any {
	return map[string]any{
		"amount":     r.Amount.StringFixed(2),
		"pool":       string(r.Pool),
		"product_id": r.ProductID,
		"request_id": r.RequestID,
		"day":        r.Day,
	}
}

// fingerprint detects replays that reuse a key with changed content.
func (r Request) fingerprint() string {
	body, _ := json.Marshal(r.identity())
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
