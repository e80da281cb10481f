package config

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// KeyVaultBackend resolves secrets from an Azure Key Vault using the
// ambient workload identity (managed identity, workload identity, or
// environment credentials, whichever DefaultAzureCredential finds first).
// A lookup miss or any SDK error is treated as "not found" so callers
// always fall through to the plain environment.
type KeyVaultBackend struct {
	client *azsecrets.Client
}

// NewKeyVaultBackend builds a backend against the vault at vaultURI
// (e.g. "https://aex-prod.vault.azure.net/").
func NewKeyVaultBackend(vaultURI string) (*KeyVaultBackend, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return nil, err
	}
	return &KeyVaultBackend{client: client}, nil
}

// Secret fetches the latest version of name. Key Vault secret names may
// not contain underscores, so "_" is mapped to "-" before the call.
func (b *KeyVaultBackend) Secret(ctx context.Context, name string) (string, bool) {
	vaultName := secretName(name)
	resp, err := b.client.GetSecret(ctx, vaultName, "", nil)
	if err != nil || resp.Value == nil {
		return "", false
	}
	return *resp.Value, true
}

func secretName(envKey string) string {
	out := make([]byte, len(envKey))
	for i := 0; i < len(envKey); i++ {
		if envKey[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = envKey[i]
		}
	}
	return string(out)
}
