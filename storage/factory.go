package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
)

// Open creates a storage backend from a URI:
//
//	memory://<name>                          shared in-process store
//	sqlite:///<path/to/file.db>              SQLite database file
//	vault://<host:port>/<mount>/<path>       Vault KV v2 (token from ?token= or VAULT_TOKEN)
//
// Vault connections use https unless ?tls=false is given.
func Open(uri string, log *slog.Logger) (Storage, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URI %q: %w", uri, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		name := u.Host + u.Path
		if name == "" {
			name = "default"
		}
		return OpenMemory(name, log), nil

	case "sqlite":
		path := u.Path
		if u.Host != "" {
			// sqlite://relative/file.db
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite URI %q has no path", uri)
		}
		return OpenSQLite(path, log)

	case "vault":
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if u.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("vault URI %q must be vault://host/mount/path", uri)
		}
		scheme := "https"
		if u.Query().Get("tls") == "false" {
			scheme = "http"
		}
		config := api.DefaultConfig()
		config.Address = scheme + "://" + u.Host
		client, err := api.NewClient(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vault client: %w", err)
		}
		token := u.Query().Get("token")
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token != "" {
			client.SetToken(token)
		}
		return NewVaultStorage(client, parts[0], parts[1], log), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}
