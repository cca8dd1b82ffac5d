// Package appsession opens and closes two-party application sessions on
// ClearNode, signing every request with the session key.
package appsession

import (
	"context"
	goerrs "errors"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mixmixmix/rock-off-chain/pkg/amount"
	"github.com/mixmixmix/rock-off-chain/pkg/chord"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"github.com/mixmixmix/rock-off-chain/pkg/store"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ActiveSessionKey is the storage name of the open session record.
const ActiveSessionKey = "active_app_session"

const (
	DefaultAsset = "usdc"

	ownerWeight = 100
	quorum      = 100
)

// Awaiter is the part of correlator.Correlator the manager uses.
type Awaiter interface {
	SendAndAwait(ctx context.Context, payload []byte, expectedTopic string, timeout time.Duration) (*rpc.Response, error)
}

// ActiveSession is persisted when a session opens so it can be closed later,
// possibly from another process.
type ActiveSession struct {
	AppSessionID string   `json:"app_session_id"`
	Participants []string `json:"participants"`
	Asset        string   `json:"asset"`
	Total        string   `json:"total"`
}

// Result of CreateApplicationSession. Success with an empty AppSessionID means
// the server accepted the request without naming the session.
type Result struct {
	Success      bool
	AppSessionID string
	Response     *rpc.Response
	Error        string
}

type ManagerParams struct {
	Delegate signer.DelegateSigner
	Asset    string
	// Timeout per request; zero uses the correlator default.
	Timeout time.Duration
	// Store holds the active session record. Nil keeps it in memory.
	Store      store.Store
	Serializer *rpc.Serializer
	Now        func() time.Time
	Logger     *zap.Logger
}

type Manager struct {
	awaiter    Awaiter
	params     ManagerParams
	serializer *rpc.Serializer

	mut_active sync.Mutex
	backing    store.Store

	log *zap.Logger
}

func CreateManager(awaiter Awaiter, params ManagerParams) (*Manager, error) {
	if awaiter == nil {
		return nil, &errors.MissingFieldError{MessageName: "Manager", FieldName: "Awaiter"}
	}
	if params.Delegate == nil {
		return nil, &errors.MissingFieldError{MessageName: "ManagerParams", FieldName: "Delegate"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Asset == "" {
		params.Asset = DefaultAsset
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	serializer := params.Serializer
	if serializer == nil {
		serializer = &rpc.Serializer{}
	}
	backing := params.Store
	if backing == nil {
		backing = store.NewMemoryStore()
	}

	return &Manager{
		awaiter:    awaiter,
		params:     params,
		serializer: serializer,
		backing:    backing,
		log:        logger.With(zap.String("component", "AppSessionManager")),
	}, nil
}

func (m *Manager) sign(ctx context.Context, payload []byte) (string, error) {
	return m.params.Delegate.Sign(ctx, payload)
}

// CreateApplicationSession opens a session funded entirely by the session key.
// It never returns an error; failures are reported in Result.Error.
func (m *Manager) CreateApplicationSession(ctx context.Context, counterparty string, total string) Result {
	res, err := m.create(ctx, counterparty, total)
	if err != nil {
		m.log.Error("Failed to create application session", zap.String("counterparty", counterparty), zap.Error(err))
		return Result{Success: false, Error: err.Error()}
	}
	return res
}

func (m *Manager) create(ctx context.Context, counterparty string, total string) (Result, error) {
	other, ok := signer.NormalizeAddress(counterparty)
	if !ok {
		return Result{}, &errors.PreconditionViolated{Operation: "create application session", Reason: "invalid counterparty address " + counterparty}
	}
	value, err := amount.Parse(total)
	if err != nil {
		return Result{}, err
	}
	self := m.params.Delegate.Address()

	definition := rpc.AppDefinition{
		Protocol:     rpc.ProtocolName,
		Participants: []string{self, other},
		Weights:      []int64{ownerWeight, 0},
		Quorum:       quorum,
		Challenge:    0,
		Nonce:        m.params.Now().UnixMilli(),
	}
	allocations := []rpc.Allocation{
		{Participant: self, Asset: m.params.Asset, Amount: amount.Format(value)},
		{Participant: other, Asset: m.params.Asset, Amount: "0"},
	}

	req := m.serializer.NewRequest(rpc.TopicCreateAppSession, &rpc.CreateAppSessionParams{
		Definition:  definition,
		Allocations: allocations,
	})
	frame, err := m.serializer.Encode(ctx, req, "session key", m.sign)
	if err != nil {
		return Result{}, err
	}

	m.log.Info("Creating application session", zap.String("counterparty", other), zap.String("amount", amount.Format(value)))
	resp, err := m.awaiter.SendAndAwait(ctx, frame, rpc.TopicCreateAppSession, m.params.Timeout)
	if err != nil {
		return Result{}, err
	}

	result := Result{Success: true, Response: resp}
	body, _ := resp.Body.(*rpc.AppSessionResult)
	if body == nil || body.AppSessionID == "" {
		m.log.Warn("create_app_session response carried no app_session_id")
		return result, nil
	}

	result.AppSessionID = body.AppSessionID
	record := &ActiveSession{
		AppSessionID: body.AppSessionID,
		Participants: definition.Participants,
		Asset:        m.params.Asset,
		Total:        amount.Format(value),
	}
	if err := m.saveActive(record); err != nil {
		m.log.Warn("Could not persist active application session", zap.String("appSessionId", body.AppSessionID), zap.Error(err))
	}

	m.log.Info("Application session created", zap.String("appSessionId", body.AppSessionID))
	return result, nil
}

// CloseApplicationSession sends the final allocations. When closing the
// recorded active session, amountA + amountB must equal its total.
func (m *Manager) CloseApplicationSession(ctx context.Context, appSessionID, participantA, participantB, amountA, amountB string) (*rpc.Response, error) {
	if appSessionID == "" {
		return nil, &errors.PreconditionViolated{Operation: "close application session", Reason: "no app session id"}
	}
	a, err := amount.Parse(amountA)
	if err != nil {
		return nil, err
	}
	b, err := amount.Parse(amountB)
	if err != nil {
		return nil, err
	}
	sum, err := amount.Sum(a, b)
	if err != nil {
		return nil, err
	}

	active, err := m.ActiveSession()
	if err != nil {
		return nil, err
	}
	if active != nil && active.AppSessionID == appSessionID {
		total, err := amount.Parse(active.Total)
		if err != nil {
			return nil, err
		}
		if !sum.Eq(total) {
			return nil, &errors.PreconditionViolated{
				Operation: "close application session",
				Reason:    "allocations sum to " + amount.Format(sum) + " but the session holds " + active.Total,
			}
		}
	}

	req := m.serializer.NewRequest(rpc.TopicCloseAppSession, &rpc.CloseAppSessionParams{
		AppSessionID: appSessionID,
		Allocations: []rpc.Allocation{
			{Participant: participantA, Asset: m.params.Asset, Amount: amount.Format(a)},
			{Participant: participantB, Asset: m.params.Asset, Amount: amount.Format(b)},
		},
	})
	frame, err := m.serializer.Encode(ctx, req, "session key", m.sign)
	if err != nil {
		return nil, err
	}

	m.log.Info("Closing application session", zap.String("appSessionId", appSessionID), zap.String("amountA", amount.Format(a)), zap.String("amountB", amount.Format(b)))
	resp, err := m.awaiter.SendAndAwait(ctx, frame, rpc.TopicCloseAppSession, m.params.Timeout)
	if err != nil {
		return nil, err
	}

	if active != nil && active.AppSessionID == appSessionID {
		if err := m.ClearActiveSession(); err != nil {
			m.log.Warn("Could not clear active application session", zap.Error(err))
		}
	}
	return resp, nil
}

// Settle closes the active session, paying the counterparty according to c.
func (m *Manager) Settle(ctx context.Context, c chord.Classification) (*rpc.Response, error) {
	active, err := m.ActiveSession()
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, &errors.PreconditionViolated{Operation: "settle", Reason: "no active application session"}
	}
	if len(active.Participants) != 2 {
		return nil, &errors.PreconditionViolated{Operation: "settle", Reason: "active session does not have two participants"}
	}

	total, err := amount.Parse(active.Total)
	if err != nil {
		return nil, err
	}
	keep, payout, err := Split(total, Payout(total, c))
	if err != nil {
		return nil, err
	}

	m.log.Info("Settling application session",
		zap.String("appSessionId", active.AppSessionID),
		zap.Bool("minorChord", c.MinorChord),
		zap.Bool("perfectFifth", c.PerfectFifth),
		zap.String("payout", amount.Format(payout)))

	return m.CloseApplicationSession(ctx, active.AppSessionID,
		active.Participants[0], active.Participants[1],
		amount.Format(keep), amount.Format(payout))
}

// ActiveSession returns the recorded open session, or nil if there is none.
func (m *Manager) ActiveSession() (*ActiveSession, error) {
	m.mut_active.Lock()
	defer m.mut_active.Unlock()

	raw, err := m.backing.Get(ActiveSessionKey)
	if goerrs.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	record := &ActiveSession{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, pkgerrors.Wrap(err, "decode active application session")
	}
	if strings.TrimSpace(record.AppSessionID) == "" {
		return nil, nil
	}
	return record, nil
}

// ClearActiveSession forgets the recorded session without closing it.
func (m *Manager) ClearActiveSession() error {
	m.mut_active.Lock()
	defer m.mut_active.Unlock()

	err := m.backing.Delete(ActiveSessionKey)
	if err != nil && !goerrs.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (m *Manager) saveActive(record *ActiveSession) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	m.mut_active.Lock()
	defer m.mut_active.Unlock()
	return m.backing.Put(ActiveSessionKey, raw)
}
