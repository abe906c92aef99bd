package storage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/require"
)

// fakeVault serves the subset of the KV v2 HTTP API the backend uses,
// including check-and-set on create.
type fakeVault struct {
	mu    sync.Mutex
	mount string
	kv    map[string]map[string]interface{}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/v1/"+f.mount+"/")
	kind, key, _ := strings.Cut(rest, "/")

	switch {
	case kind == "data" && r.Method == http.MethodGet:
		data, ok := f.kv[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data, "metadata": map[string]interface{}{"version": 1}},
		})

	case kind == "data" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		var body struct {
			Data    map[string]interface{} `json:"data"`
			Options map[string]interface{} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if cas, ok := body.Options["cas"].(float64); ok && cas == 0 {
			if _, exists := f.kv[key]; exists {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"errors":["check-and-set parameter did not match the current version"]}`))
				return
			}
		}
		f.kv[key] = body.Data
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": 1}})

	case kind == "metadata" && r.Method == http.MethodDelete:
		delete(f.kv, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newVaultStorage(t *testing.T) *VaultStorage {
	t.Helper()
	srv := httptest.NewServer(&fakeVault{mount: "secret", kv: map[string]map[string]interface{}{}})
	t.Cleanup(srv.Close)

	config := api.DefaultConfig()
	config.Address = srv.URL
	config.MaxRetries = 0
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.SetToken("test-token")
	return NewVaultStorage(client, "secret", "tkey", nil)
}

func TestVaultStorage(t *testing.T) {
	testBackend(t, newVaultStorage(t))
}
