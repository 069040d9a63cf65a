package chainevent

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecodeVoteCast(t *testing.T) {
	observed := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	raw := Raw{
		Type:        "VoteCast",
		BlockNumber: 1200,
		Data:        json.RawMessage(`{"proposal_id":"42","voter":"0xABC","choice":"yes","weight":"12.5"}`),
	}

	ev, err := Decoder{}.Decode("org-1", raw, observed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != KindVoteCast {
		t.Fatalf("expected VoteCast, got %s", ev.Kind)
	}
	vote, ok := ev.Payload.(VoteCast)
	if !ok {
		t.Fatalf("payload has type %T", ev.Payload)
	}
	if vote.Choice != VoteFor {
		t.Fatalf("expected choice for, got %s", vote.Choice)
	}
	if !vote.Weight.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected weight %s", vote.Weight)
	}
	if ev.BlockNumber != 1200 {
		t.Fatalf("block number not carried over")
	}
	want := DedupeKey(KindVoteCast, "org-1", "42:0xabc", observed, time.Minute)
	if ev.DedupeKey != want {
		t.Fatalf("expected key %s, got %s", want, ev.DedupeKey)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  Raw
	}{
		{"unknown type", Raw{Type: "Delegated", Data: json.RawMessage(`{"x":1}`)}},
		{"empty data", Raw{Type: "MemberAdded"}},
		{"bad json", Raw{Type: "ProposalCreated", Data: json.RawMessage(`{"proposal_id":`)}},
		{"missing proposal", Raw{Type: "ProposalExecuted", Data: json.RawMessage(`{"success":true}`)}},
		{"bad choice", Raw{Type: "VoteCast", Data: json.RawMessage(`{"proposal_id":"1","voter":"0x1","choice":"maybe"}`)}},
		{"zero deposit", Raw{Type: "TreasuryDeposit", Data: json.RawMessage(`{"from":"0x1","asset":"DOT","amount":"0"}`)}},
		{"org mismatch", Raw{Type: "MemberAdded", OrganizationID: "org-2", Data: json.RawMessage(`{"member":"0x1"}`)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decoder{}.Decode("org-1", tc.raw, time.Now())
			var warning *DecodeWarning
			if !errors.As(err, &warning) {
				t.Fatalf("expected DecodeWarning, got %v", err)
			}
		})
	}
}

func TestDedupeKeyBuckets(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := DedupeKey(KindMemberAdded, "org-1", "0x1", base.Add(5*time.Second), time.Minute)
	b := DedupeKey(KindMemberAdded, "org-1", "0x1", base.Add(55*time.Second), time.Minute)
	c := DedupeKey(KindMemberAdded, "org-1", "0x1", base.Add(65*time.Second), time.Minute)
	if a != b {
		t.Fatalf("same bucket should share key: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different buckets should produce different keys")
	}
	if DedupeKey(KindMemberAdded, "org-2", "0x1", base, time.Minute) == DedupeKey(KindMemberAdded, "org-1", "0x1", base, time.Minute) {
		t.Fatal("organization must be part of the key")
	}
}

func TestPayloadRoundTripThroughDecoder(t *testing.T) {
	ev := New("org-9", TreasuryDeposit{From: "0xF", Asset: "USDC", Amount: decimal.NewFromInt(250), TxHash: "0xAA", LogIndex: 3}, time.Now(), 0, 0)
	body, err := ev.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	payload, err := DecodePayload(ev.Kind, body)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.PrimaryID() != "0xaa:3" {
		t.Fatalf("unexpected primary id %s", payload.PrimaryID())
	}
}

func TestDepositsInOneTransactionKeepDistinctKeys(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	usdc := New("org-1", TreasuryDeposit{From: "0xF", Asset: "USDC", Amount: decimal.NewFromInt(10), TxHash: "0xAA", LogIndex: 0}, at, 7, 0)
	dai := New("org-1", TreasuryDeposit{From: "0xF", Asset: "DAI", Amount: decimal.NewFromInt(10), TxHash: "0xAA", LogIndex: 1}, at, 7, 0)
	if usdc.DedupeKey == dai.DedupeKey {
		t.Fatalf("同一交易内的两笔存款不应共用去重键: %s", usdc.DedupeKey)
	}
}
