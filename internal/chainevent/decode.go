package chainevent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Raw is the chain-agnostic envelope produced by event sources.
type Raw struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id,omitempty"`
	BlockNumber    uint64          `json:"block_number,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// DecodeWarning reports a malformed or unknown payload. It is recoverable:
// the payload is dropped and the stream continues.
type DecodeWarning struct {
	Type   string
	Reason string
	Err    error
}

func (w *DecodeWarning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", w.Type, w.Reason, w.Err)
	}
	return fmt.Sprintf("decode %q: %s", w.Type, w.Reason)
}

func (w *DecodeWarning) Unwrap() error { return w.Err }

// Decoder turns raw envelopes into events.
type Decoder struct {
	Bucket time.Duration
}

// Decode parses raw for orgID. The envelope's organization id, when present,
// must match orgID.
func (d Decoder) Decode(orgID string, raw Raw, observedAt time.Time) (Event, error) {
	if raw.OrganizationID != "" && raw.OrganizationID != orgID {
		return Event{}, &DecodeWarning{Type: raw.Type, Reason: fmt.Sprintf("organization mismatch (%s)", raw.OrganizationID)}
	}

	payload, err := DecodePayload(Kind(raw.Type), raw.Data)
	if err != nil {
		return Event{}, err
	}
	return New(orgID, payload, observedAt, raw.BlockNumber, d.Bucket), nil
}

// DecodePayload parses a payload body for the given kind.
func DecodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DecodeWarning{Type: string(kind), Reason: "empty payload"}
	}

	switch kind {
	case KindProposalCreated:
		var p ProposalCreated
		if err := strictUnmarshal(kind, data, &p); err != nil {
			return nil, err
		}
		if err := require(kind, "proposal_id", p.ProposalID); err != nil {
			return nil, err
		}
		return p, nil
	case KindVoteCast:
		var p VoteCast
		if err := strictUnmarshal(kind, data, &p); err != nil {
			return nil, err
		}
		if err := require(kind, "proposal_id", p.ProposalID); err != nil {
			return nil, err
		}
		if err := require(kind, "voter", p.Voter); err != nil {
			return nil, err
		}
		choice, ok := parseChoice(string(p.Choice))
		if !ok {
			return nil, &DecodeWarning{Type: string(kind), Reason: fmt.Sprintf("unknown vote choice %q", p.Choice)}
		}
		p.Choice = choice
		return p, nil
	case KindProposalExecuted:
		var p ProposalExecuted
		if err := strictUnmarshal(kind, data, &p); err != nil {
			return nil, err
		}
		if err := require(kind, "proposal_id", p.ProposalID); err != nil {
			return nil, err
		}
		return p, nil
	case KindMemberAdded:
		var p MemberAdded
		if err := strictUnmarshal(kind, data, &p); err != nil {
			return nil, err
		}
		if err := require(kind, "member", p.Member); err != nil {
			return nil, err
		}
		return p, nil
	case KindTreasuryDeposit:
		var p TreasuryDeposit
		if err := strictUnmarshal(kind, data, &p); err != nil {
			return nil, err
		}
		if err := require(kind, "asset", p.Asset); err != nil {
			return nil, err
		}
		if !p.Amount.IsPositive() {
			return nil, &DecodeWarning{Type: string(kind), Reason: "amount must be positive"}
		}
		return p, nil
	default:
		return nil, &DecodeWarning{Type: string(kind), Reason: "unknown event type"}
	}
}

func strictUnmarshal(kind Kind, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeWarning{Type: string(kind), Reason: "malformed payload", Err: err}
	}
	return nil
}

func require(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &DecodeWarning{Type: string(kind), Reason: "missing " + field}
	}
	return nil
}

func parseChoice(v string) (VoteChoice, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "for", "yes", "aye", "1":
		return VoteFor, true
	case "against", "no", "nay", "0":
		return VoteAgainst, true
	case "abstain", "2":
		return VoteAbstain, true
	default:
		return "", false
	}
}
