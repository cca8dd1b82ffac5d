// Package sessionkey owns the locally generated delegated signing key. The
// private material stays inside this package and the signer it hands out;
// only the address and signatures ever reach the wire.
package sessionkey

import (
	goerrs "errors"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"github.com/mixmixmix/rock-off-chain/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StorageKey is the fixed name the private key is persisted under.
const StorageKey = "session_key"

// SessionKey pairs the delegate signer with its public address.
type SessionKey struct {
	Address string
	Signer  *signer.LocalSigner
}

type Params struct {
	// Store persists the key. A nil Store runs the key store in memory only.
	Store  store.Store
	Logger *zap.Logger
}

type Store struct {
	backing   store.Store
	ephemeral bool

	mut     sync.Mutex
	current *SessionKey

	mut_resetListeners sync.RWMutex
	resetListeners     []func(SessionKey)

	log *zap.Logger
}

func CreateStore(params Params) *Store {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("component", "SessionKeyStore"))

	backing := params.Store
	ephemeral := false
	if backing == nil {
		log.Warn("No persistent storage for session key, key will not survive restart")
		backing = store.NewMemoryStore()
		ephemeral = true
	}

	return &Store{
		backing:   backing,
		ephemeral: ephemeral,
		log:       log,
	}
}

// Ephemeral reports whether the key lives in memory only.
func (s *Store) Ephemeral() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.ephemeral
}

// GetOrCreate returns the persisted session key, generating and persisting a
// new one on first use.
func (s *Store) GetOrCreate() (SessionKey, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.current != nil {
		return *s.current, nil
	}

	raw, err := s.backing.Get(StorageKey)
	switch {
	case err == nil && len(raw) == secp256k1.PrivKeyBytesLen:
		key := newSessionKey(secp256k1.PrivKeyFromBytes(raw))
		s.current = &key
		s.log.Info("Loaded persisted session key", zap.String("address", key.Address))
		return key, nil
	case err == nil:
		s.log.Warn("Discarding persisted session key with unexpected length", zap.Int("length", len(raw)))
	case !goerrs.Is(err, store.ErrNotFound):
		s.degrade("read", err)
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return SessionKey{}, errors.Wrap(err, "generate session key")
	}
	key := newSessionKey(priv)

	if err := s.backing.Put(StorageKey, priv.Serialize()); err != nil {
		s.degrade("write", err)
		s.backing.Put(StorageKey, priv.Serialize())
	}

	s.current = &key
	s.log.Info("Generated new session key", zap.String("address", key.Address), zap.Bool("ephemeral", s.ephemeral))
	return key, nil
}

// Reset discards the persisted key. The next GetOrCreate generates a new one
// and every registered listener is told that dependent connections must
// re-authenticate.
func (s *Store) Reset() error {
	s.mut.Lock()
	var previous SessionKey
	if s.current != nil {
		previous = *s.current
	}
	s.current = nil
	err := s.backing.Delete(StorageKey)
	s.mut.Unlock()

	if err != nil {
		return errors.Wrap(err, "delete persisted session key")
	}

	s.log.Info("Session key reset", zap.String("previousAddress", previous.Address))

	s.mut_resetListeners.RLock()
	listeners := append([]func(SessionKey){}, s.resetListeners...)
	s.mut_resetListeners.RUnlock()

	for _, listener := range listeners {
		listener(previous)
	}
	return nil
}

// OnReset registers fn to run after every Reset with the discarded key.
func (s *Store) OnReset(fn func(previous SessionKey)) {
	s.mut_resetListeners.Lock()
	defer s.mut_resetListeners.Unlock()
	s.resetListeners = append(s.resetListeners, fn)
}

// degrade switches to an in-memory backing store after a persistence failure.
// Must be called with s.mut held.
func (s *Store) degrade(op string, err error) {
	if s.ephemeral {
		return
	}
	s.log.Warn("Session key persistence unavailable, falling back to in-memory key", zap.String("op", op), zap.Error(err))
	s.backing = store.NewMemoryStore()
	s.ephemeral = true
}

func newSessionKey(priv *secp256k1.PrivateKey) SessionKey {
	ls := signer.NewLocalSigner(priv)
	return SessionKey{
		Address: ls.Address(),
		Signer:  ls,
	}
}
