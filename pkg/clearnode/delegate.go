package clearnode

import (
	"context"

	"github.com/mixmixmix/rock-off-chain/pkg/sessionkey"
	"go.uber.org/zap"
)

// sessionDelegate always signs with the store's current session key, so a
// Reset is picked up by every component without rewiring.
type sessionDelegate struct {
	keys *sessionkey.Store
	log  *zap.Logger
}

func (d *sessionDelegate) Address() string {
	key, err := d.keys.GetOrCreate()
	if err != nil {
		d.log.Error("Session key unavailable", zap.Error(err))
		return ""
	}
	return key.Address
}

func (d *sessionDelegate) Sign(ctx context.Context, payload []byte) (string, error) {
	key, err := d.keys.GetOrCreate()
	if err != nil {
		return "", err
	}
	return key.Signer.Sign(ctx, payload)
}
