package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
)

// VaultStorage keeps documents in a Vault KV v2 mount. Locks are created with
// check-and-set version 0, so only one writer can create a lock entry.
// SetMetadataStream writes items one by one; Vault offers no multi-key
// transaction.
type VaultStorage struct {
	client    *api.Client
	mountPath string
	dataPath  string
	ttl       time.Duration
	log       *slog.Logger
}

// NewVaultStorage wraps a configured Vault client.
func NewVaultStorage(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultStorage {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &VaultStorage{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		ttl:       DefaultLockTTL,
		log:       log,
	}
}

// SetLockTTL overrides the lock expiry.
func (b *VaultStorage) SetLockTTL(ttl time.Duration) {
	b.ttl = ttl
}

func (b *VaultStorage) path(kind, section, identity string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", b.mountPath, kind, b.dataPath, section, identity)
}

func (b *VaultStorage) read(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		// deleted versions come back with null data
		return nil, ErrNotFound
	}
	return data, nil
}

func (b *VaultStorage) GetMetadata(ctx context.Context, identity string) ([]byte, error) {
	path := b.path("data", "docs", identity)
	data, err := b.read(ctx, path)
	if errors.Is(err, ErrNotFound) {
		b.log.Debug("Metadata not found in Vault", slog.String("path", path))
		return nil, ErrNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, err
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decode content at %s: %w", path, err)
	}
	return raw, nil
}

func (b *VaultStorage) SetMetadataStream(ctx context.Context, items []Item) error {
	if err := verifyItems(items); err != nil {
		return err
	}
	for _, item := range items {
		path := b.path("data", "docs", item.Identity)
		_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"data": map[string]interface{}{
				"content":   base64.StdEncoding.EncodeToString(item.Data),
				"signature": base64.StdEncoding.EncodeToString(item.Signature),
			},
		})
		if err != nil {
			b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	b.log.Debug("Stored metadata stream", slog.Int("items", len(items)))
	return nil
}

func (b *VaultStorage) AcquireWriteLock(ctx context.Context, identity string, nonce int) (string, error) {
	path := b.path("data", "locks", identity)

	held, err := b.read(ctx, path)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", err
	default:
		if expiresAt, ok := held["expires_at"].(string); ok {
			exp, perr := time.Parse(time.RFC3339Nano, expiresAt)
			if perr == nil && time.Now().Before(exp) {
				return "", ErrLockContention
			}
		}
		if err := b.deleteAll(ctx, "locks", identity); err != nil {
			return "", err
		}
	}

	token := uuid.NewString()
	_, err = b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"options": map[string]interface{}{"cas": 0},
		"data": map[string]interface{}{
			"token":      token,
			"nonce":      nonce,
			"expires_at": time.Now().Add(b.ttl).Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest {
			b.log.Debug("Write lock contention", slog.String("identity", identity), slog.Int("nonce", nonce))
			return "", ErrLockContention
		}
		return "", fmt.Errorf("create lock %s: %w", path, err)
	}
	return token, nil
}

func (b *VaultStorage) ReleaseWriteLock(ctx context.Context, identity, token string) error {
	held, err := b.read(ctx, b.path("data", "locks", identity))
	if errors.Is(err, ErrNotFound) {
		return ErrLockNotHeld
	}
	if err != nil {
		return err
	}
	if held["token"] != token {
		return ErrLockNotHeld
	}
	return b.deleteAll(ctx, "locks", identity)
}

func (b *VaultStorage) DeleteMetadata(ctx context.Context, identity string) error {
	return b.deleteAll(ctx, "docs", identity)
}

// deleteAll removes every version and the key metadata.
func (b *VaultStorage) deleteAll(ctx context.Context, section, identity string) error {
	path := b.path("metadata", section, identity)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (b *VaultStorage) Close() error {
	return nil
}
