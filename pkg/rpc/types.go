package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	methodGetAccountInfo   = "getAccountInfo"
	methodAccountSubscribe = "accountSubscribe"
	methodProgramSubscribe = "programSubscribe"
	methodLogsSubscribe    = "logsSubscribe"

	notifyAccount = "accountNotification"
	notifyProgram = "programNotification"
	notifyLogs    = "logsNotification"

	encodingBase64 = "base64"
)

// ErrAccountNotFound is returned by GetAccountInfo when the ledger has no such account.
var ErrAccountNotFound = errors.New("account not found")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func newRequest(id uint64, method string, params ...any) request {
	return request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// envelope covers responses and notifications; notifications carry Method and no ID.
type envelope struct {
	ID     *uint64             `json:"id"`
	Result jsoniter.RawMessage `json:"result"`
	Error  *Error              `json:"error"`
	Method string              `json:"method"`
	Params *notification       `json:"params"`
}

type notification struct {
	Subscription uint64              `json:"subscription"`
	Result       jsoniter.RawMessage `json:"result"`
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

// accountData is the ["<payload>", "<encoding>"] pair used for binary account data.
type accountData []string

func (d accountData) bytes() ([]byte, error) {
	if len(d) == 0 {
		return nil, nil
	}
	if len(d) > 1 && d[1] != encodingBase64 {
		return nil, fmt.Errorf("unsupported account encoding %q", d[1])
	}
	return base64.StdEncoding.DecodeString(d[0])
}

type accountValue struct {
	Data       accountData `json:"data"`
	Executable bool        `json:"executable"`
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	RentEpoch  uint64      `json:"rentEpoch"`
}

type accountResult struct {
	Context rpcContext    `json:"context"`
	Value   *accountValue `json:"value"`
}

type programResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Pubkey  string       `json:"pubkey"`
		Account accountValue `json:"account"`
	} `json:"value"`
}

type logsResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Signature string              `json:"signature"`
		Err       jsoniter.RawMessage `json:"err"`
		Logs      []string            `json:"logs"`
	} `json:"value"`
}

// AccountInfo is the state returned by getAccountInfo.
type AccountInfo struct {
	Address    string
	Slot       uint64
	Owner      string
	Lamports   uint64
	Executable bool
	RentEpoch  uint64
	Data       []byte
}
