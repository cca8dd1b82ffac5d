package rpc

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/mixmixmix/rock-off-chain/pkg/signer"
)

const (
	TopicAuthRequest       = "auth_request"
	TopicAuthChallenge     = "auth_challenge"
	TopicAuthVerify        = "auth_verify"
	TopicAuthFailure       = "auth_failure"
	TopicGetChannels       = "get_channels"
	TopicGetLedgerBalances = "get_ledger_balances"
	TopicCreateAppSession  = "create_app_session"
	TopicCloseAppSession   = "close_app_session"
	TopicPing              = "ping"
	TopicPong              = "pong"
	TopicError             = "error"
)

// ProtocolName is the application protocol every session definition declares.
const ProtocolName = "nitroliterpc"

// Decimal is an amount that ClearNode may encode either as a JSON string or a
// JSON number. It is always re-emitted as a string.
type Decimal string

func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("decimal: %s is neither string nor number", data)
	}
	*d = Decimal(data)
	return nil
}

//
// Inbound payloads, one per topic

type AuthChallenge struct {
	Challenge string `json:"challenge"`
	// Newer ClearNode releases name the field challenge_message.
	ChallengeMessage string `json:"challenge_message"`
}

func (c *AuthChallenge) Token() string {
	if c.Challenge != "" {
		return c.Challenge
	}
	return c.ChallengeMessage
}

type AuthVerifyResult struct {
	Success    bool   `json:"success"`
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	JwtToken   string `json:"jwt_token"`
}

type AuthFailure struct {
	Reason string
}

type ServerError struct {
	Message string
}

type ChannelRecord struct {
	ChannelID   string  `json:"channel_id"`
	Participant string  `json:"participant"`
	Wallet      string  `json:"wallet,omitempty"`
	Status      string  `json:"status"`
	Token       string  `json:"token"`
	Amount      Decimal `json:"amount"`
	ChainID     int64   `json:"chain_id"`
	Adjudicator string  `json:"adjudicator"`
	Challenge   int64   `json:"challenge"`
	Nonce       int64   `json:"nonce"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type Channels struct {
	Channels []ChannelRecord
}

type BalanceRecord struct {
	Participant string  `json:"participant,omitempty"`
	Asset       string  `json:"asset"`
	Amount      Decimal `json:"amount"`
}

type LedgerBalances struct {
	// Participant is set when the server names the account in the payload.
	Participant string
	Balances    []BalanceRecord
}

type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
}

//
// Outbound params

type AuthRequestParams struct {
	Address     string             `json:"address"`
	SessionKey  string             `json:"session_key"`
	AppName     string             `json:"app_name"`
	Allowances  []signer.Allowance `json:"allowances"`
	Expire      string             `json:"expire"`
	Scope       string             `json:"scope"`
	Application string             `json:"application"`
}

// AuthVerifyParams restates the signed policy so the server can rebuild the
// typed data it verifies.
type AuthVerifyParams struct {
	Challenge   string             `json:"challenge"`
	Scope       string             `json:"scope"`
	Wallet      string             `json:"wallet"`
	Application string             `json:"application"`
	Participant string             `json:"participant"`
	Expire      string             `json:"expire"`
	Allowances  []signer.Allowance `json:"allowances"`
}

type ParticipantParams struct {
	Participant string `json:"participant"`
}

type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

type CloseAppSessionParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}
