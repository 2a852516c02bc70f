// Package protocol implements the Stratum V1 line protocol: request/response
// framing and the KawPoW-profile message shapes.
package protocol

import (
	"encoding/json"

	"github.com/kawpowd/stratum/internal/errs"
)

// JSON-RPC framing error codes, plus the reserved Stratum domain codes
// (spec.md §6).
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternalError  = -32603
)

// Request represents a JSON-RPC request from the client.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response to the client.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification represents a JSON-RPC notification (id is always null).
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubscribeParams represents mining.subscribe parameters.
type SubscribeParams struct {
	UserAgent string
}

// ParseSubscribeParams parses mining.subscribe parameters. An empty or
// absent params array is valid.
func ParseSubscribeParams(data json.RawMessage) (*SubscribeParams, error) {
	var params []interface{}
	if len(data) == 0 {
		return &SubscribeParams{}, nil
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return &SubscribeParams{}, nil
	}

	result := &SubscribeParams{}
	if len(params) > 0 {
		if ua, ok := params[0].(string); ok {
			result.UserAgent = ua
		}
	}
	return result, nil
}

// SubscribeResultFull builds the canonical mining.subscribe result, per
// spec.md §6: [[["mining.set_difficulty",id],["mining.notify",id]],
// extraNonce1Hex, extraNonce2Size]. extraNonce2Size is 0 for KawPoW, where
// the whole search space lives in the nonce field, not a miner-chosen
// extranonce2.
func SubscribeResultFull(subscriptionID, extraNonce1Hex string) []interface{} {
	return []interface{}{
		[][]interface{}{
			{"mining.set_difficulty", subscriptionID},
			{"mining.notify", subscriptionID},
		},
		extraNonce1Hex,
		0,
	}
}

// AuthorizeParams represents mining.authorize parameters.
type AuthorizeParams struct {
	WorkerName string
	Password   string
}

// ParseAuthorizeParams parses mining.authorize parameters.
func ParseAuthorizeParams(data json.RawMessage) (*AuthorizeParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errs.NewProtocol("malformed mining.authorize params")
	}
	if len(params) < 1 {
		return nil, errs.NewProtocol("mining.authorize requires a worker name")
	}

	result := &AuthorizeParams{}
	if wn, ok := params[0].(string); ok {
		result.WorkerName = wn
	}
	if len(params) > 1 {
		if p, ok := params[1].(string); ok {
			result.Password = p
		}
	}
	return result, nil
}

// SubmitParams represents mining.submit parameters in the KawPoW profile:
// [workerName, jobIdHex, nonceHex, headerHashHex, mixHashHex].
type SubmitParams struct {
	WorkerName    string
	JobID         string
	NonceHex      string
	HeaderHashHex string
	MixHashHex    string
}

// ParseSubmitParams parses mining.submit parameters.
func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errs.NewProtocol("malformed mining.submit params")
	}
	if len(params) < 5 {
		return nil, errs.NewProtocol("mining.submit requires 5 params")
	}

	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}

	return &SubmitParams{
		WorkerName:    str(params[0]),
		JobID:         str(params[1]),
		NonceHex:      str(params[2]),
		HeaderHashHex: str(params[3]),
		MixHashHex:    str(params[4]),
	}, nil
}

// NotifyParams represents mining.notify parameters in the KawPoW profile:
// [jobIdHex, headerHashHex, seedHashHex, targetHex, cleanJobs].
type NotifyParams struct {
	JobID         string
	HeaderHashHex string
	SeedHashHex   string
	TargetHex     string
	CleanJobs     bool
}

// Array renders NotifyParams as the positional array the wire expects.
func (n NotifyParams) Array() []interface{} {
	return []interface{}{n.JobID, n.HeaderHashHex, n.SeedHashHex, n.TargetHex, n.CleanJobs}
}

// SetDifficultyParams represents mining.set_difficulty parameters.
type SetDifficultyParams struct {
	Difficulty float64
}

// Array renders SetDifficultyParams as the positional array the wire
// expects.
func (s SetDifficultyParams) Array() []interface{} {
	return []interface{}{s.Difficulty}
}

// SetExtranonceParams represents mining.set_extranonce parameters.
type SetExtranonceParams struct {
	Extranonce1     string
	Extranonce2Size int
}

// Array renders SetExtranonceParams as the positional array the wire
// expects.
func (s SetExtranonceParams) Array() []interface{} {
	return []interface{}{s.Extranonce1, s.Extranonce2Size}
}
