package keyexchange

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// VaultConfig points a VaultClient at a transit secrets engine key.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	KeyName string
}

// VaultClient runs the key exchange against Vault's transit engine:
// pseudonyms are transit HMACs, tokens are transit ciphertexts of data keys,
// and new keys come from the datakey endpoint. Key bytes never leave Vault
// except as the plaintext of a datakey or decrypt response.
type VaultClient struct {
	client *api.Client
	mount  string
	key    string
	logger zerolog.Logger
}

// NewVaultClient creates a transit-backed client.
func NewVaultClient(cfg VaultConfig, logger zerolog.Logger) (*VaultClient, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("vault key exchange: transit key name is required")
	}

	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	config.HttpClient = &http.Client{Timeout: 15 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("vault key exchange: create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "transit"
	}

	return &VaultClient{
		client: client,
		mount:  mount,
		key:    cfg.KeyName,
		logger: logger.With().Str("component", "vault-keyexchange").Logger(),
	}, nil
}

func (v *VaultClient) path(op string) string {
	return fmt.Sprintf("%s/%s/%s", v.mount, op, v.key)
}

func (v *VaultClient) write(ctx context.Context, op string, data map[string]interface{}) (map[string]interface{}, error) {
	path := v.path(op)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		v.logger.Error().Err(err).Str("path", path).Msg("transit request failed")
		return nil, fmt.Errorf("vault %s: %w", op, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault %s: empty response", op)
	}
	return secret.Data, nil
}

func stringField(data map[string]interface{}, name string) (string, error) {
	s, ok := data[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("vault response missing %q", name)
	}
	return s, nil
}

func (v *VaultClient) Pseudonymize(ctx context.Context, plainIdentifier string) (string, error) {
	if plainIdentifier == "" {
		return "", errors.New("pseudonymize: empty identifier")
	}
	data, err := v.write(ctx, "hmac", map[string]interface{}{
		"input":     base64.StdEncoding.EncodeToString([]byte(plainIdentifier)),
		"algorithm": "sha2-256",
	})
	if err != nil {
		return "", err
	}
	return stringField(data, "hmac")
}

func (v *VaultClient) IdentifyPseudonymInTransit(ctx context.Context, token PseudonymInTransit) ([]byte, error) {
	if !strings.HasPrefix(string(token), "vault:") {
		return nil, errMalformedToken
	}
	data, err := v.write(ctx, "decrypt", map[string]interface{}{
		"ciphertext": string(token),
	})
	if err != nil {
		return nil, err
	}
	plaintext, err := stringField(data, "plaintext")
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: decode plaintext: %w", err)
	}
	return raw, nil
}

func (v *VaultClient) IssueKey(ctx context.Context) (PseudonymInTransit, []byte, error) {
	data, err := v.write(ctx, "datakey/plaintext", map[string]interface{}{
		"bits": dataKeySize * 8,
	})
	if err != nil {
		return "", nil, err
	}
	ciphertext, err := stringField(data, "ciphertext")
	if err != nil {
		return "", nil, err
	}
	plaintext, err := stringField(data, "plaintext")
	if err != nil {
		return "", nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("vault datakey: decode plaintext: %w", err)
	}
	return PseudonymInTransit(ciphertext), raw, nil
}

// Available reports whether Vault is initialized and unsealed.
func (v *VaultClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		v.logger.Debug().Err(err).Msg("vault health check failed")
		return false
	}
	return health.Initialized && !health.Sealed
}
