package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	hex64Pattern   = `^[0-9a-f]{64}$`
	decimalPattern = `^[0-9]+$`
)

// bodySchemas describe the minimum shape of each body. Extra fields are allowed
// so newer peers can add optional data without breaking older ones.
var bodySchemas = map[Kind]string{
	KindRFQ: `{
		"type": "object",
		"required": ["rfq_channel", "pair", "direction", "btc_sats", "usdt_amount", "valid_until_unix"],
		"properties": {
			"rfq_channel": {"type": "string", "minLength": 1},
			"pair": {"type": "string", "minLength": 1},
			"direction": {"type": "string", "minLength": 1},
			"app_hash": {"type": "string"},
			"btc_sats": {"type": "integer", "minimum": 1, "maximum": 9223372036854775},
			"usdt_amount": {"type": "string", "pattern": "` + decimalPattern + `"},
			"max_platform_fee_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"max_trade_fee_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"max_total_fee_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"min_sol_refund_window_sec": {"type": "integer", "minimum": 0},
			"max_sol_refund_window_sec": {"type": "integer", "minimum": 0},
			"valid_until_unix": {"type": "integer", "minimum": 0}
		}
	}`,
	KindQuote: `{
		"type": "object",
		"required": ["rfq_id", "pair", "direction", "btc_sats", "usdt_amount", "sol_refund_window_sec", "valid_until_unix"],
		"properties": {
			"rfq_id": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"btc_sats": {"type": "integer", "minimum": 1, "maximum": 9223372036854775},
			"usdt_amount": {"type": "string", "pattern": "` + decimalPattern + `"},
			"platform_fee_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"trade_fee_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"sol_refund_window_sec": {"type": "integer", "minimum": 1},
			"valid_until_unix": {"type": "integer", "minimum": 0}
		}
	}`,
	KindQuoteAccept: `{
		"type": "object",
		"required": ["rfq_id", "quote_id"],
		"properties": {
			"rfq_id": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"quote_id": {"type": "string", "pattern": "` + hex64Pattern + `"}
		}
	}`,
	KindSwapInvite: `{
		"type": "object",
		"required": ["rfq_id", "quote_id", "swap_channel", "owner_pubkey", "invite"],
		"properties": {
			"rfq_id": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"quote_id": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"swap_channel": {"type": "string", "minLength": 1},
			"owner_pubkey": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"invite": {
				"type": "object",
				"required": ["payload", "sig"],
				"properties": {
					"payload": {
						"type": "object",
						"required": ["channel", "inviteePubKey", "inviterPubKey", "inviteId", "expiresAt"]
					},
					"sig": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	KindTerms: `{
		"type": "object",
		"required": ["btc_sats", "usdt_amount", "sol_mint", "sol_recipient", "sol_refund", "sol_refund_after_unix"],
		"properties": {
			"btc_sats": {"type": "integer", "minimum": 1, "maximum": 9223372036854775},
			"usdt_amount": {"type": "string", "pattern": "` + decimalPattern + `"},
			"sol_mint": {"type": "string", "minLength": 32, "maxLength": 44},
			"sol_recipient": {"type": "string", "minLength": 32, "maxLength": 44},
			"sol_refund": {"type": "string", "minLength": 32, "maxLength": 44},
			"sol_refund_after_unix": {"type": "integer", "minimum": 1},
			"ln_receiver_peer": {"type": "string"},
			"ln_payer_peer": {"type": "string"}
		}
	}`,
	KindAccept: `{
		"type": "object",
		"required": ["terms_hash"],
		"properties": {"terms_hash": {"type": "string", "pattern": "` + hex64Pattern + `"}}
	}`,
	KindLnInvoice: `{
		"type": "object",
		"required": ["bolt11", "payment_hash_hex", "amount_msat", "expires_at_unix"],
		"properties": {
			"bolt11": {"type": "string", "minLength": 1},
			"payment_hash_hex": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"amount_msat": {"type": "string", "pattern": "` + decimalPattern + `"},
			"expires_at_unix": {"type": "integer", "minimum": 1}
		}
	}`,
	KindSolEscrowCreated: `{
		"type": "object",
		"required": ["payment_hash_hex", "program_id", "mint", "amount", "recipient", "refund", "refund_after_unix"],
		"properties": {
			"payment_hash_hex": {"type": "string", "pattern": "` + hex64Pattern + `"},
			"amount": {"type": "string", "pattern": "` + decimalPattern + `"},
			"refund_after_unix": {"type": "integer", "minimum": 1}
		}
	}`,
	KindSvcAnnounce: `{
		"type": "object",
		"required": ["name", "rfq_channels"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"pairs": {"type": "array", "items": {"type": "string"}},
			"rfq_channels": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"offers": {"type": "array", "items": {"type": "object"}}
		}
	}`,
	KindCancel: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	KindStatus: `{
		"type": "object",
		"required": ["state"],
		"properties": {"state": {"type": "string", "minLength": 1}, "note": {"type": "string"}}
	}`,
}

var (
	schemaOnce    sync.Once
	schemaErr     error
	compiledByKey map[Kind]*jsonschema.Schema
)

func compileSchemas() {
	compiledByKey = make(map[Kind]*jsonschema.Schema, len(bodySchemas))
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for kind, src := range bodySchemas {
		url := "mem://body/" + strings.ReplaceAll(string(kind), ".", "/") + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", kind, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", kind, err)
			return
		}
		compiledByKey[kind] = s
	}
}

func validateBody(kind Kind, body json.RawMessage) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := compiledByKey[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedEnvelope, kind, err)
	}
	return nil
}
