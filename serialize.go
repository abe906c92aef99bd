package tkey

import (
	"encoding/json"
	"log/slog"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

type thresholdKeyJSON struct {
	Metadata         json.RawMessage                   `json:"metadata"`
	SyncedNonce      int                               `json:"syncedNonce"`
	LocalTransitions []*LocalTransition                `json:"localTransitions"`
	Shares           map[string]map[string]*ShareStore `json:"shares"`
	TSSTag           string                            `json:"tssTag"`
	ManualSync       bool                              `json:"manualSync"`
	ServiceProvider  json.RawMessage                   `json:"serviceProvider"`
	StorageURI       string                            `json:"storageURI,omitempty"`
}

// FromJSONOptions supplies what ToJSON does not capture: live collaborators
// and observers. ServiceProvider overrides the serialized one; Storage
// overrides the serialized storage URI.
type FromJSONOptions struct {
	ServiceProvider ServiceProvider
	Storage         storage.Storage
	TSSServers      TSSServers
	// Nodes backs a service provider restored from JSON.
	Nodes   NodeDetailsSource
	Modules []Module
	Log     *slog.Logger
	Audit   AuditEventHandler
	Metrics *Metrics
}

// ToJSON captures the metadata, the unsynced transition log, the local
// shares and the service provider. The reconstructed key is not included;
// call ReconstructKey after FromJSON.
func (tk *ThresholdKey) ToJSON() ([]byte, error) {
	out := thresholdKeyJSON{
		SyncedNonce:      tk.syncedNonce,
		LocalTransitions: tk.transitions,
		Shares:           tk.shares,
		TSSTag:           tk.tssTag,
		ManualSync:       tk.manualSync,
		StorageURI:       tk.storageURI,
	}
	if out.LocalTransitions == nil {
		out.LocalTransitions = []*LocalTransition{}
	}
	if tk.metadata != nil {
		raw, err := json.Marshal(tk.metadata)
		if err != nil {
			return nil, err
		}
		out.Metadata = raw
	}
	sp, err := json.Marshal(tk.sp)
	if err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("service provider is not serializable")
	}
	out.ServiceProvider = sp
	return json.Marshal(out)
}

// FromJSON restores a ThresholdKey written by ToJSON.
func FromJSON(data []byte, opts FromJSONOptions) (*ThresholdKey, error) {
	var raw thresholdKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("threshold key")
	}

	sp := opts.ServiceProvider
	if sp == nil {
		restored, err := ServiceProviderFromJSON(raw.ServiceProvider, opts.Nodes)
		if err != nil {
			return nil, err
		}
		sp = restored
	}
	tk, err := New(Options{
		ServiceProvider: sp,
		Storage:         opts.Storage,
		StorageURI:      raw.StorageURI,
		TSSServers:      opts.TSSServers,
		Modules:         opts.Modules,
		ManualSync:      raw.ManualSync,
		TSSTag:          raw.TSSTag,
		Log:             opts.Log,
		Audit:           opts.Audit,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if len(raw.Metadata) > 0 && string(raw.Metadata) != "null" {
		md, err := MetadataFromJSON(tk.curve, raw.Metadata)
		if err != nil {
			return nil, err
		}
		tk.metadata = md
		tk.state = StateReady
	}
	tk.syncedNonce = raw.SyncedNonce
	tk.transitions = raw.LocalTransitions
	if len(tk.transitions) == 0 {
		tk.transitions = nil
	}
	for polyID, byIndex := range raw.Shares {
		for _, store := range byIndex {
			if store.PolynomialID != polyID {
				return nil, ErrInvalidFormat.WithDetails("share %s filed under polynomial %s", store.IndexHex(), polyID)
			}
			tk.InputShareStore(store)
		}
	}
	tk.log.Debug("Restored threshold key",
		slog.Int("synced_nonce", tk.syncedNonce),
		slog.Int("pending", len(tk.transitions)))
	return tk, nil
}
