package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Keyring resolves the signing secret for an account. Key custody lives
// outside this service; the keyring only hands the reference to the gateway.
type Keyring interface {
	Secret(ctx context.Context, account string) (string, error)
}

// StaticKeyring is a fixed account -> secret map.
type StaticKeyring map[string]string

// ParseKeyring parses "ACCOUNT=SECRET,ACCOUNT=SECRET".
func ParseKeyring(raw string) (StaticKeyring, error) {
	k := StaticKeyring{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		account, secret, ok := strings.Cut(pair, "=")
		if !ok || account == "" || secret == "" {
			return nil, fmt.Errorf("malformed keyring entry %q", pair)
		}
		k[strings.TrimSpace(account)] = strings.TrimSpace(secret)
	}
	return k, nil
}

func (k StaticKeyring) Secret(_ context.Context, account string) (string, error) {
	s, ok := k[account]
	if !ok {
		return "", Permanent("resolve_key", CodeUnknownSourceKey, fmt.Errorf("no signing key for account %s", account))
	}
	return s, nil
}
