// Package chainevent defines the normalised on-chain event model shared by the
// stream, the registry and persistence.
package chainevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the closed set of DAO events.
type Kind string

const (
	KindProposalCreated  Kind = "ProposalCreated"
	KindVoteCast         Kind = "VoteCast"
	KindProposalExecuted Kind = "ProposalExecuted"
	KindMemberAdded      Kind = "MemberAdded"
	KindTreasuryDeposit  Kind = "TreasuryDeposit"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindProposalCreated, KindVoteCast, KindProposalExecuted, KindMemberAdded, KindTreasuryDeposit}

// DefaultDedupeBucket is the observation bucket folded into dedupe keys.
const DefaultDedupeBucket = time.Minute

// Payload is implemented only by the variant structs in this package.
type Payload interface {
	Kind() Kind
	PrimaryID() string
	sealed()
}

// VoteChoice mirrors the Governor "support" field.
type VoteChoice string

const (
	VoteAgainst VoteChoice = "against"
	VoteFor     VoteChoice = "for"
	VoteAbstain VoteChoice = "abstain"
)

// ProposalCreated is emitted when a proposal is submitted.
type ProposalCreated struct {
	ProposalID  string `json:"proposal_id"`
	Proposer    string `json:"proposer"`
	Description string `json:"description,omitempty"`
}

// VoteCast is emitted for every ballot.
type VoteCast struct {
	ProposalID string          `json:"proposal_id"`
	Voter      string          `json:"voter"`
	Choice     VoteChoice      `json:"choice"`
	Weight     decimal.Decimal `json:"weight"`
}

// ProposalExecuted is emitted when a proposal's actions run.
type ProposalExecuted struct {
	ProposalID string `json:"proposal_id"`
	Success    bool   `json:"success"`
}

// MemberAdded is emitted when an address joins the organization.
type MemberAdded struct {
	Member string `json:"member"`
}

// TreasuryDeposit is emitted when funds enter the treasury. LogIndex tells
// apart deposits made in the same transaction.
type TreasuryDeposit struct {
	From     string          `json:"from"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	TxHash   string          `json:"tx_hash,omitempty"`
	LogIndex uint            `json:"log_index,omitempty"`
}

func (ProposalCreated) Kind() Kind  { return KindProposalCreated }
func (VoteCast) Kind() Kind         { return KindVoteCast }
func (ProposalExecuted) Kind() Kind { return KindProposalExecuted }
func (MemberAdded) Kind() Kind      { return KindMemberAdded }
func (TreasuryDeposit) Kind() Kind  { return KindTreasuryDeposit }

func (p ProposalCreated) PrimaryID() string  { return p.ProposalID }
func (p VoteCast) PrimaryID() string         { return p.ProposalID + ":" + strings.ToLower(p.Voter) }
func (p ProposalExecuted) PrimaryID() string { return p.ProposalID }
func (p MemberAdded) PrimaryID() string      { return strings.ToLower(p.Member) }
func (p TreasuryDeposit) PrimaryID() string {
	if p.TxHash != "" {
		return fmt.Sprintf("%s:%d", strings.ToLower(p.TxHash), p.LogIndex)
	}
	return strings.ToLower(p.From) + ":" + strings.ToUpper(p.Asset) + ":" + p.Amount.String()
}

func (ProposalCreated) sealed()  {}
func (VoteCast) sealed()         {}
func (ProposalExecuted) sealed() {}
func (MemberAdded) sealed()      {}
func (TreasuryDeposit) sealed()  {}

// Event is an immutable, normalised on-chain occurrence.
type Event struct {
	Kind           Kind
	OrganizationID string
	Payload        Payload
	ObservedAt     time.Time
	BlockNumber    uint64
	DedupeKey      string
}

// New builds an event and derives its dedupe key.
func New(orgID string, payload Payload, observedAt time.Time, blockNumber uint64, bucket time.Duration) Event {
	return Event{
		Kind:           payload.Kind(),
		OrganizationID: orgID,
		Payload:        payload,
		ObservedAt:     observedAt,
		BlockNumber:    blockNumber,
		DedupeKey:      DedupeKey(payload.Kind(), orgID, payload.PrimaryID(), observedAt, bucket),
	}
}

// DedupeKey combines kind, organization, primary id and observation bucket.
func DedupeKey(kind Kind, orgID, primaryID string, observedAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultDedupeBucket
	}
	slot := observedAt.UTC().Truncate(bucket).Unix()
	return fmt.Sprintf("%s|%s|%s|%d", kind, orgID, primaryID, slot)
}

// MarshalPayload encodes the payload in the same shape Decode accepts.
func (e Event) MarshalPayload() (json.RawMessage, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.DedupeKey)
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return b, nil
}
