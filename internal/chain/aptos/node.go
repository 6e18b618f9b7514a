package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	aptossdk "github.com/aptos-labs/aptos-go-sdk"
)

// Node is the subset of the fullnode API the adapter uses. *sdkNode satisfies it over
// the Aptos Go SDK; tests substitute a fake.
type Node interface {
	ChainID(ctx context.Context) (uint8, error)
	SequenceNumber(ctx context.Context, account aptossdk.AccountAddress) (uint64, error)
	GasPrice(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, txn *aptossdk.SignedTransaction) (string, error)
	// Transaction returns nil when the hash is unknown to the node.
	Transaction(ctx context.Context, hash string) (*TxInfo, error)
	View(ctx context.Context, payload *aptossdk.ViewPayload) ([]any, error)
	Events(ctx context.Context, account aptossdk.AccountAddress, handle, field string, start *uint64, limit uint64) ([]Event, error)
	Close()
}

// TxInfo is the committed state of a transaction.
type TxInfo struct {
	Pending  bool
	Version  uint64
	Success  bool
	VMStatus string
}

// Event is one entry of an event handle stream.
type Event struct {
	SequenceNumber uint64
	Type           string
	Data           map[string]any
}

// APIError is a non-2xx response from the fullnode.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error_code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aptos api %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// apiError unwraps the SDK's HTTP error into an APIError carrying the node's message,
// which holds the Move abort code.
func apiError(err error) error {
	var httpErr *aptossdk.HttpError
	if !errors.As(err, &httpErr) {
		return err
	}
	out := &APIError{StatusCode: httpErr.StatusCode}
	if json.Unmarshal(httpErr.Body, out) != nil || out.Message == "" {
		out.Message = strings.TrimSpace(string(httpErr.Body))
	}
	return out
}

type sdkNode struct {
	client *aptossdk.Client
}

// dialNode builds an SDK client for endpoint, appending the /v1 API root when absent.
func dialNode(endpoint string, chainID uint8, timeout time.Duration) (*sdkNode, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	base := strings.TrimRight(u.String(), "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	client, err := aptossdk.NewClient(aptossdk.NetworkConfig{
		Name:    "settled",
		ChainId: chainID,
		NodeUrl: base,
	}, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &sdkNode{client: client}, nil
}

func (n *sdkNode) ChainID(ctx context.Context) (uint8, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := n.client.Info()
	if err != nil {
		return 0, apiError(err)
	}
	return info.ChainId, nil
}

func (n *sdkNode) SequenceNumber(ctx context.Context, account aptossdk.AccountAddress) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := n.client.Account(account)
	if err != nil {
		return 0, apiError(err)
	}
	return info.SequenceNumber()
}

func (n *sdkNode) GasPrice(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	gas, err := n.client.EstimateGasPrice()
	if err != nil {
		return 0, apiError(err)
	}
	return gas.GasEstimate, nil
}

func (n *sdkNode) Submit(ctx context.Context, txn *aptossdk.SignedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := n.client.SubmitTransaction(txn)
	if err != nil {
		return "", apiError(err)
	}
	return resp.Hash, nil
}

func (n *sdkNode) Transaction(ctx context.Context, hash string) (*TxInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn, err := n.client.TransactionByHash(hash)
	if err != nil {
		if err = apiError(err); isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if txn.Type == "pending_transaction" {
		return &TxInfo{Pending: true}, nil
	}
	info := &TxInfo{}
	if v := txn.Version(); v != nil {
		info.Version = *v
	}
	if ok := txn.Success(); ok != nil {
		info.Success = *ok
	}
	if user, err := txn.UserTransaction(); err == nil {
		info.VMStatus = user.VmStatus
	}
	return info, nil
}

func (n *sdkNode) View(ctx context.Context, payload *aptossdk.ViewPayload) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := n.client.View(payload)
	if err != nil {
		return nil, apiError(err)
	}
	return values, nil
}

func (n *sdkNode) Events(ctx context.Context, account aptossdk.AccountAddress, handle, field string, start *uint64, limit uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := n.client.EventsByHandle(account, handle, field, start, &limit)
	if err != nil {
		return nil, apiError(err)
	}
	out := make([]Event, 0, len(raw))
	for _, ev := range raw {
		out = append(out, Event{SequenceNumber: ev.SequenceNumber, Type: ev.Type, Data: ev.Data})
	}
	return out, nil
}

func (n *sdkNode) Close() {}
