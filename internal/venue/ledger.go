package venue

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
)

// Account is a raw program account returned by the ledger.
type Account struct {
	Pubkey string
	Data   []byte
}

// Ledger is a thin JSON-RPC client for the ledger node. Signing and
// transaction building stay with the venue APIs.
type Ledger struct {
	rpc *rpc.Client
}

func DialLedger(ctx context.Context, endpoint string, httpClient *http.Client) (*Ledger, error) {
	c, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return &Ledger{rpc: c}, nil
}

func (l *Ledger) Close() {
	l.rpc.Close()
}

type programAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data []string `json:"data"`
	} `json:"account"`
}

// ProgramAccounts lists the accounts owned by programID whose data is
// exactly dataSize bytes long.
func (l *Ledger) ProgramAccounts(ctx context.Context, programID string, dataSize int) ([]Account, error) {
	opts := map[string]any{
		"encoding": "base64",
		"filters":  []map[string]any{{"dataSize": dataSize}},
	}

	var raw []programAccount
	if err := l.rpc.CallContext(ctx, &raw, "getProgramAccounts", programID, opts); err != nil {
		return nil, fmt.Errorf("getProgramAccounts: %w", err)
	}

	accounts := make([]Account, 0, len(raw))
	for _, a := range raw {
		if len(a.Account.Data) == 0 {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(a.Account.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account %s: %w", a.Pubkey, err)
		}
		accounts = append(accounts, Account{Pubkey: a.Pubkey, Data: data})
	}
	return accounts, nil
}

// RecentPrioritizationFees returns the fees paid per compute unit in
// recent slots.
func (l *Ledger) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	var raw []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := l.rpc.CallContext(ctx, &raw, "getRecentPrioritizationFees"); err != nil {
		return nil, fmt.Errorf("getRecentPrioritizationFees: %w", err)
	}

	fees := make([]uint64, len(raw))
	for i, f := range raw {
		fees[i] = f.PrioritizationFee
	}
	return fees, nil
}
