package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// itemClient is the part of connect.Client used here.
type itemClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePassword resolves secrets from a 1Password Connect server.
//
// A secret name is an item title in the vault. The value is the item's
// "password" field, else its "credential" field.
type OnePassword struct {
	client  itemClient
	vaultID string
}

// NewOnePassword creates a Connect-backed provider.
func NewOnePassword(host, token, vaultID string) (*OnePassword, error) {
	if host == "" || token == "" || vaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	return &OnePassword{
		client:  connect.NewClientWithUserAgent(host, token, "alertd"),
		vaultID: vaultID,
	}, nil
}

// Get looks the item up by title and returns its secret field.
func (p *OnePassword) Get(ctx context.Context, name string) (string, error) {
	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}
	if v, ok := secretField(item); ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: no password or credential field: %w", name, ErrNotFound)
}

// secretField picks the password field, then the credential field.
func secretField(item *onepassword.Item) (string, bool) {
	for _, want := range []string{"password", "credential"} {
		for _, f := range item.Fields {
			if f == nil || f.Value == "" {
				continue
			}
			if strings.EqualFold(f.ID, want) || strings.EqualFold(f.Label, want) || strings.EqualFold(string(f.Purpose), want) {
				return f.Value, true
			}
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "not found") || strings.Contains(s, "404") || strings.Contains(s, "no items")
}
