package upstream

import "context"

// BlockTemplate mirrors the subset of getblocktemplate's result this server
// needs to assemble a KawPoW job.
type BlockTemplate struct {
	Height            uint64   `json:"height"`
	PreviousBlockHash string   `json:"previousblockhash"`
	Bits              string   `json:"bits"`
	CurTime           int64    `json:"curtime"`
	CoinbaseValue     int64    `json:"coinbasevalue"`
	Transactions      []TxTmpl `json:"transactions"`
	Target            string   `json:"target"`
	Version           int32    `json:"version"`
}

// TxTmpl is a single transaction entry in the block template.
type TxTmpl struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Fee  int64  `json:"fee"`
}

// GetBlockTemplate fetches a new block template.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	var tpl BlockTemplate
	params := []interface{}{map[string]interface{}{"rules": []string{"segwit"}}}
	if err := c.Call(ctx, "getblocktemplate", params, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// SubmitBlockResult is the outcome of submitblock: the node answers null (or
// an empty string) on acceptance and a rejection-reason string otherwise.
type SubmitBlockResult struct {
	Rejected bool
	Reason   string
}

// SubmitBlock submits a fully assembled block (serialized as hex) to the
// node.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (*SubmitBlockResult, error) {
	var raw interface{}
	if err := c.Call(ctx, "submitblock", []interface{}{blockHex}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return &SubmitBlockResult{Rejected: false}, nil
	}
	reason, _ := raw.(string)
	return &SubmitBlockResult{Rejected: reason != "", Reason: reason}, nil
}

// BlockInfo mirrors the subset of getblock's result used to confirm a
// submitted block was accepted onto the active chain.
type BlockInfo struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	Height        uint64 `json:"height"`
}

// GetBlock fetches a block by hash.
func (c *Client) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	var info BlockInfo
	if err := c.Call(ctx, "getblock", []interface{}{hash}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BlockchainInfo mirrors the subset of getblockchaininfo used for sync
// diagnostics.
type BlockchainInfo struct {
	Blocks               int64 `json:"blocks"`
	Headers              int64 `json:"headers"`
	InitialBlockDownload bool  `json:"initialblockdownload"`
}

// GetBlockchainInfo fetches node sync status.
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.Call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ValidateAddress checks that the configured coinbase payout address is
// well-formed and belongs to this wallet/chain, per spec.md's out-of-scope
// note that address-format validation itself is delegated to the node.
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := c.Call(ctx, "validateaddress", []interface{}{address}, &result); err != nil {
		return false, err
	}
	return result.IsValid, nil
}
