// Package securityquestions keeps one share recoverable from the answer to a
// set of security questions. The general store holds
// nonce = share - H(answer, questions), so the share itself never leaves the
// devices that hold it.
package securityquestions

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/sha3"

	"github.com/canopy-network/canopy/lib/tkey"
)

// ModuleName is the registry name and general-store domain of the module.
const ModuleName = "securityQuestions"

var (
	ErrAlreadySet = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1711,
		"security questions already set")

	ErrIncorrectAnswer = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1712,
		"incorrect answer to security questions")

	ErrNotSet = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1713,
		"security questions not set")
)

// store is the module's general-store record.
type store struct {
	Nonce        string `json:"nonce"`
	ShareIndex   string `json:"shareIndex"`
	SharePubKey  string `json:"sharePubKey"`
	PolynomialID string `json:"polynomialID"`
	Questions    string `json:"questions"`
}

// Module implements the security-questions share. It is a ShareContributor
// when created with an initial answer, and a ShareRefresher so the stored
// nonce follows its share through refreshes.
type Module struct {
	tk *tkey.ThresholdKey

	initialQuestions string
	initialAnswer    string
}

// New creates the module. Use NewWithInitialAnswer to have a new key created
// with the security-question share already in place.
func New() *Module {
	return &Module{}
}

// NewWithInitialAnswer creates a module that contributes a share to the next
// key created by Initialize.
func NewWithInitialAnswer(questions, answer string) *Module {
	return &Module{initialQuestions: questions, initialAnswer: answer}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Attach(tk *tkey.ThresholdKey) error {
	m.tk = tk
	return nil
}

// answerHash is keccak256(answer || questions) reduced to a scalar.
func answerHash(curve tkey.Curve, answer, questions string) (tkey.Scalar, error) {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(answer))
	h.Write([]byte(questions))
	return curve.ScalarFromBytes(h.Sum(nil))
}

func (m *Module) load() (*store, error) {
	var s store
	found, err := m.tk.GetGeneralStoreDomain(ModuleName, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotSet
	}
	return &s, nil
}

func (m *Module) save(share *tkey.ShareStore, questions, answer string) error {
	curve := m.tk.Curve()
	h, err := answerHash(curve, answer, questions)
	if err != nil {
		return err
	}
	return m.tk.SetGeneralStoreDomain(ModuleName, &store{
		Nonce:        share.Share.Value.Sub(h).String(),
		ShareIndex:   share.IndexHex(),
		SharePubKey:  tkey.PointHex(share.Share.Public(curve)),
		PolynomialID: share.PolynomialID,
		Questions:    questions,
	})
}

// GenerateNewShareWithSecurityQuestions adds a share protected by answer.
func (m *Module) GenerateNewShareWithSecurityQuestions(ctx context.Context, questions, answer string) (*tkey.GenerateShareResult, error) {
	if _, err := m.load(); err == nil {
		return nil, ErrAlreadySet
	}
	res, err := m.tk.GenerateNewShare(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := m.save(res.NewShareStores[res.NewShareIndex.String()], questions, answer); err != nil {
		return nil, err
	}
	if err := m.tk.CommitMetadata(ctx); err != nil {
		return nil, err
	}
	m.tk.Logger().DebugContext(ctx, "Added security question share", slog.String("index", res.NewShareIndex.String()))
	return res, nil
}

// InputShareFromSecurityQuestions recovers the share from answer and inputs it.
func (m *Module) InputShareFromSecurityQuestions(ctx context.Context, answer string) error {
	s, err := m.load()
	if err != nil {
		return err
	}
	curve := m.tk.Curve()
	h, err := answerHash(curve, answer, s.Questions)
	if err != nil {
		return err
	}
	nonce, err := tkey.ScalarFromHex(curve, s.Nonce)
	if err != nil {
		return err
	}
	value := nonce.Add(h)
	if tkey.PointHex(curve.BasePoint().Mul(value)) != s.SharePubKey {
		return ErrIncorrectAnswer
	}
	idx, err := tkey.ScalarFromHex(curve, s.ShareIndex)
	if err != nil {
		return err
	}
	return m.tk.InputShareStoreSafe(ctx, tkey.NewShareStore(tkey.NewShare(idx, value), s.PolynomialID), false)
}

// ChangeSecurityQuestionAndAnswer re-protects the share under a new answer.
// The share must be held locally.
func (m *Module) ChangeSecurityQuestionAndAnswer(ctx context.Context, questions, answer string) error {
	s, err := m.load()
	if err != nil {
		return err
	}
	idx, err := tkey.ScalarFromHex(m.tk.Curve(), s.ShareIndex)
	if err != nil {
		return err
	}
	share, err := m.tk.OutputShareStore(idx, s.PolynomialID)
	if err != nil {
		return err
	}
	if err := m.save(share, questions, answer); err != nil {
		return err
	}
	return m.tk.CommitMetadata(ctx)
}

// GetSecurityQuestions returns the stored questions.
func (m *Module) GetSecurityQuestions() (string, error) {
	s, err := m.load()
	if err != nil {
		return "", err
	}
	return s.Questions, nil
}

// ContributeShare hands a random share value to a new key when the module
// was created with an initial answer.
func (m *Module) ContributeShare(ctx context.Context, index tkey.Scalar) (tkey.Scalar, error) {
	if m.initialAnswer == "" {
		return nil, nil
	}
	v, err := m.tk.Curve().ScalarRandom()
	if err != nil {
		return nil, tkey.ErrRandomGeneration.WithCause(err)
	}
	return v, nil
}

// ShareCommitted records the contributed share under the initial answer.
func (m *Module) ShareCommitted(ctx context.Context, share *tkey.ShareStore) error {
	err := m.save(share, m.initialQuestions, m.initialAnswer)
	m.initialAnswer = ""
	return err
}

// RefreshShares moves the stored nonce to the share's new value. The answer
// hash is recovered from the old share and nonce. A deleted share drops the
// record.
func (m *Module) RefreshShares(ctx context.Context, oldShares, newShares map[string]*tkey.ShareStore) error {
	s, err := m.load()
	if errors.Is(err, ErrNotSet) {
		return nil
	}
	if err != nil {
		return err
	}
	next, ok := newShares[s.ShareIndex]
	if !ok {
		return m.tk.DeleteGeneralStoreDomain(ModuleName)
	}
	prev, ok := oldShares[s.ShareIndex]
	if !ok {
		return tkey.ErrShareNotFound.WithContext("index", s.ShareIndex)
	}
	curve := m.tk.Curve()
	nonce, err := tkey.ScalarFromHex(curve, s.Nonce)
	if err != nil {
		return err
	}
	h := prev.Share.Value.Sub(nonce)
	s.Nonce = next.Share.Value.Sub(h).String()
	s.SharePubKey = tkey.PointHex(next.Share.Public(curve))
	s.PolynomialID = next.PolynomialID
	return m.tk.SetGeneralStoreDomain(ModuleName, s)
}
