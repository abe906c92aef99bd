package tkey

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FactorEncTypeDirect marks a TSS share encrypted directly to the factor key.
const FactorEncTypeDirect = "direct"

// FactorEnc is a TSS share encrypted to one factor key.
type FactorEnc struct {
	TSSIndex   int                 `json:"tssIndex"`
	Type       string              `json:"type"`
	UserEnc    *EncryptedMessage   `json:"userEnc"`
	ServerEncs []*EncryptedMessage `json:"serverEncs"`
}

// TSSData is the state of one TSS tag.
type TSSData struct {
	Nonce       int
	PolyCommits []Point
	FactorPubs  []Point
	FactorEncs  map[string]*FactorEnc
}

// PublicKey is the commitment to the TSS secret.
func (d *TSSData) PublicKey() Point {
	if len(d.PolyCommits) == 0 {
		return nil
	}
	return d.PolyCommits[0]
}

// TSSDataUpdate is merged into a tag by Metadata.AddTSSData. Nil slices
// leave the existing value in place.
type TSSDataUpdate struct {
	Tag         string
	Nonce       int
	PolyCommits []Point
	FactorPubs  []Point
	FactorEncs  map[string]*FactorEnc
	// ReplaceFactorEncs discards encryptions for the previous nonce instead of
	// merging.
	ReplaceFactorEncs bool
}

// Metadata is the versioned, non-secret document describing a key: its
// polynomial history, public shares, module data and TSS tags.
type Metadata struct {
	curve Curve

	PubKey Point
	Nonce  int

	// PolyIDList orders polynomials oldest first; the last one is latest.
	PolyIDList        []string
	PublicPolynomials map[string]*PublicPolynomial
	// PublicShares maps polynomial ID and share index hex to value·G.
	PublicShares      map[string]map[string]Point
	GeneralStore      map[string]json.RawMessage
	ShareDescriptions map[string][]string
	TSSData           map[string]*TSSData
}

// NewMetadata creates an empty document for pubKey.
func NewMetadata(curve Curve, pubKey Point) *Metadata {
	return &Metadata{
		curve:             curve,
		PubKey:            pubKey,
		PublicPolynomials: map[string]*PublicPolynomial{},
		PublicShares:      map[string]map[string]Point{},
		GeneralStore:      map[string]json.RawMessage{},
		ShareDescriptions: map[string][]string{},
		TSSData:           map[string]*TSSData{},
	}
}

// AddPublicPolynomial appends a polynomial epoch. Re-adding a known ID is a no-op.
func (m *Metadata) AddPublicPolynomial(pp *PublicPolynomial) {
	if _, ok := m.PublicPolynomials[pp.ID()]; ok {
		return
	}
	m.PublicPolynomials[pp.ID()] = pp
	m.PolyIDList = append(m.PolyIDList, pp.ID())
}

// AddPublicShare records value·G for a share of polyID.
func (m *Metadata) AddPublicShare(polyID string, index Scalar, pub Point) error {
	if _, ok := m.PublicPolynomials[polyID]; !ok {
		return ErrShareNotFound.WithDetails("unknown polynomial %s", polyID)
	}
	if m.PublicShares[polyID] == nil {
		m.PublicShares[polyID] = map[string]Point{}
	}
	m.PublicShares[polyID][index.String()] = pub
	return nil
}

// GetShareIndexesForPolynomial returns the sorted share indexes of polyID.
func (m *Metadata) GetShareIndexesForPolynomial(polyID string) []string {
	shares := m.PublicShares[polyID]
	out := make([]string, 0, len(shares))
	for idx := range shares {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out
}

// GetLatestPublicPolynomial returns the newest polynomial epoch.
func (m *Metadata) GetLatestPublicPolynomial() (*PublicPolynomial, error) {
	if len(m.PolyIDList) == 0 {
		return nil, ErrMetadataUnavailable.WithDetails("no polynomial recorded")
	}
	return m.PublicPolynomials[m.PolyIDList[len(m.PolyIDList)-1]], nil
}

// LatestPolyID returns the newest polynomial ID, or "" for an empty document.
func (m *Metadata) LatestPolyID() string {
	if len(m.PolyIDList) == 0 {
		return ""
	}
	return m.PolyIDList[len(m.PolyIDList)-1]
}

// HistoricIndex reports whether index was ever a share of any polynomial.
func (m *Metadata) HistoricIndex(indexHex string) bool {
	for _, shares := range m.PublicShares {
		if _, ok := shares[indexHex]; ok {
			return true
		}
	}
	return false
}

// AllShareIndexes returns every share index ever issued.
func (m *Metadata) AllShareIndexes() ([]Scalar, error) {
	seen := map[string]bool{}
	var out []Scalar
	for _, id := range m.PolyIDList {
		for _, idx := range m.GetShareIndexesForPolynomial(id) {
			if seen[idx] {
				continue
			}
			seen[idx] = true
			s, err := ScalarFromHex(m.curve, idx)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// SetGeneralStore stores a module's value under its name.
func (m *Metadata) SetGeneralStore(name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("general store %s: %w", name, err)
	}
	m.GeneralStore[name] = raw
	return nil
}

// GetGeneralStore decodes a module's value into out. It reports false when
// the module has stored nothing.
func (m *Metadata) GetGeneralStore(name string, out interface{}) (bool, error) {
	raw, ok := m.GeneralStore[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, ErrInvalidFormat.WithCause(err).WithDetails("general store %s", name)
	}
	return true, nil
}

// DeleteGeneralStore removes a module's value.
func (m *Metadata) DeleteGeneralStore(name string) {
	delete(m.GeneralStore, name)
}

// AddShareDescription appends a description to a share index.
func (m *Metadata) AddShareDescription(indexHex, description string) {
	m.ShareDescriptions[indexHex] = append(m.ShareDescriptions[indexHex], description)
}

// UpdateShareDescription replaces oldDescription on indexHex.
func (m *Metadata) UpdateShareDescription(indexHex, oldDescription, newDescription string) error {
	for i, d := range m.ShareDescriptions[indexHex] {
		if d == oldDescription {
			m.ShareDescriptions[indexHex][i] = newDescription
			return nil
		}
	}
	return ErrShareNotFound.WithDetails("no description %q on share %s", oldDescription, indexHex)
}

// DeleteShareDescription removes description from indexHex.
func (m *Metadata) DeleteShareDescription(indexHex, description string) error {
	descs := m.ShareDescriptions[indexHex]
	for i, d := range descs {
		if d == description {
			descs = append(descs[:i], descs[i+1:]...)
			if len(descs) == 0 {
				delete(m.ShareDescriptions, indexHex)
			} else {
				m.ShareDescriptions[indexHex] = descs
			}
			return nil
		}
	}
	return ErrShareNotFound.WithDetails("no description %q on share %s", description, indexHex)
}

// AddTSSData merges update into its tag. Factor encryptions are additive:
// existing entries are kept unless ReplaceFactorEncs is set.
func (m *Metadata) AddTSSData(update TSSDataUpdate) {
	data, ok := m.TSSData[update.Tag]
	if !ok {
		data = &TSSData{FactorEncs: map[string]*FactorEnc{}}
		m.TSSData[update.Tag] = data
	}
	data.Nonce = update.Nonce
	if update.PolyCommits != nil {
		data.PolyCommits = update.PolyCommits
	}
	if update.FactorPubs != nil {
		data.FactorPubs = update.FactorPubs
	}
	if update.ReplaceFactorEncs {
		data.FactorEncs = map[string]*FactorEnc{}
	}
	for pub, enc := range update.FactorEncs {
		if _, exists := data.FactorEncs[pub]; exists && !update.ReplaceFactorEncs {
			continue
		}
		data.FactorEncs[pub] = enc
	}
}

// Clone returns a deep copy through the canonical encoding.
func (m *Metadata) Clone() (*Metadata, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return MetadataFromJSON(m.curve, raw)
}

type polynomialEntryJSON struct {
	PolynomialID string      `json:"polynomialID"`
	Commitments  []pointJSON `json:"polynomialCommitments"`
}

type tssDataJSON struct {
	TSSNonce       int                   `json:"tssNonce"`
	TSSPolyCommits []pointJSON           `json:"tssPolyCommits"`
	FactorPubs     []pointJSON           `json:"factorPubs"`
	FactorEncs     map[string]*FactorEnc `json:"factorEncs"`
}

type metadataJSON struct {
	PubKey            pointJSON                       `json:"pubKey"`
	Nonce             int                             `json:"nonce"`
	Polynomials       []polynomialEntryJSON           `json:"polynomials"`
	PublicShares      map[string]map[string]pointJSON `json:"publicShares"`
	GeneralStore      map[string]json.RawMessage      `json:"generalStore"`
	ShareDescriptions map[string][]string             `json:"shareDescriptions"`
	TSSData           map[string]tssDataJSON          `json:"tssData"`
}

func toPointJSON(p Point) (pointJSON, error) {
	if p == nil || p.IsIdentity() {
		return pointJSON{}, fmt.Errorf("%w: cannot encode identity point", ErrInvalidPoint)
	}
	x, y := p.Coordinates()
	return pointJSON{X: fmt.Sprintf("%064x", x), Y: fmt.Sprintf("%064x", y)}, nil
}

func toPointsJSON(points []Point) ([]pointJSON, error) {
	out := make([]pointJSON, len(points))
	for i, p := range points {
		pj, err := toPointJSON(p)
		if err != nil {
			return nil, err
		}
		out[i] = pj
	}
	return out, nil
}

func fromPointsJSON(curve Curve, raw []pointJSON) ([]Point, error) {
	out := make([]Point, len(raw))
	for i, pj := range raw {
		p, err := fromPointJSON(curve, pj)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	pub, err := toPointJSON(m.PubKey)
	if err != nil {
		return nil, fmt.Errorf("pubKey: %w", err)
	}
	raw := metadataJSON{
		PubKey:            pub,
		Nonce:             m.Nonce,
		Polynomials:       make([]polynomialEntryJSON, 0, len(m.PolyIDList)),
		PublicShares:      make(map[string]map[string]pointJSON, len(m.PublicShares)),
		GeneralStore:      m.GeneralStore,
		ShareDescriptions: m.ShareDescriptions,
		TSSData:           make(map[string]tssDataJSON, len(m.TSSData)),
	}
	for _, id := range m.PolyIDList {
		commits, err := toPointsJSON(m.PublicPolynomials[id].Commitments())
		if err != nil {
			return nil, fmt.Errorf("polynomial %s: %w", id, err)
		}
		raw.Polynomials = append(raw.Polynomials, polynomialEntryJSON{PolynomialID: id, Commitments: commits})
	}
	for id, shares := range m.PublicShares {
		out := make(map[string]pointJSON, len(shares))
		for idx, p := range shares {
			pj, err := toPointJSON(p)
			if err != nil {
				return nil, fmt.Errorf("public share %s/%s: %w", id, idx, err)
			}
			out[idx] = pj
		}
		raw.PublicShares[id] = out
	}
	for tag, data := range m.TSSData {
		commits, err := toPointsJSON(data.PolyCommits)
		if err != nil {
			return nil, fmt.Errorf("tss %s commits: %w", tag, err)
		}
		pubs, err := toPointsJSON(data.FactorPubs)
		if err != nil {
			return nil, fmt.Errorf("tss %s factor pubs: %w", tag, err)
		}
		raw.TSSData[tag] = tssDataJSON{
			TSSNonce:       data.Nonce,
			TSSPolyCommits: commits,
			FactorPubs:     pubs,
			FactorEncs:     data.FactorEncs,
		}
	}
	return json.Marshal(raw)
}

// MetadataFromJSON decodes a document on the given curve, recomputing and
// checking every polynomial ID.
func MetadataFromJSON(curve Curve, data []byte) (*Metadata, error) {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("metadata")
	}
	pub, err := fromPointJSON(curve, raw.PubKey)
	if err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("metadata pubKey")
	}

	m := NewMetadata(curve, pub)
	m.Nonce = raw.Nonce
	for _, entry := range raw.Polynomials {
		commits, err := fromPointsJSON(curve, entry.Commitments)
		if err != nil {
			return nil, ErrInvalidFormat.WithCause(err).WithDetails("polynomial %s", entry.PolynomialID)
		}
		pp := NewPublicPolynomial(curve, commits)
		if pp.ID() != entry.PolynomialID {
			return nil, ErrInvalidFormat.WithDetails("polynomial ID %s does not match its commitments", entry.PolynomialID)
		}
		m.AddPublicPolynomial(pp)
	}
	for id, shares := range raw.PublicShares {
		m.PublicShares[id] = make(map[string]Point, len(shares))
		for idx, pj := range shares {
			p, err := fromPointJSON(curve, pj)
			if err != nil {
				return nil, ErrInvalidFormat.WithCause(err).WithDetails("public share %s/%s", id, idx)
			}
			m.PublicShares[id][idx] = p
		}
	}
	if raw.GeneralStore != nil {
		m.GeneralStore = raw.GeneralStore
	}
	if raw.ShareDescriptions != nil {
		m.ShareDescriptions = raw.ShareDescriptions
	}
	for tag, td := range raw.TSSData {
		commits, err := fromPointsJSON(curve, td.TSSPolyCommits)
		if err != nil {
			return nil, ErrInvalidFormat.WithCause(err).WithDetails("tss %s commits", tag)
		}
		pubs, err := fromPointsJSON(curve, td.FactorPubs)
		if err != nil {
			return nil, ErrInvalidFormat.WithCause(err).WithDetails("tss %s factor pubs", tag)
		}
		encs := td.FactorEncs
		if encs == nil {
			encs = map[string]*FactorEnc{}
		}
		m.TSSData[tag] = &TSSData{Nonce: td.TSSNonce, PolyCommits: commits, FactorPubs: pubs, FactorEncs: encs}
	}
	return m, nil
}
