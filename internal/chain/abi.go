package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"daowatch/internal/chainevent"
)

// Governor-style DAO events. VoteCast matches OpenZeppelin Governor; the rest
// are the minimal shapes emitted by the organization contracts we watch.
const daoABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":false,"name":"proposalId","type":"uint256"},{"indexed":false,"name":"proposer","type":"address"},{"indexed":false,"name":"description","type":"string"}],"name":"ProposalCreated","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"voter","type":"address"},{"indexed":false,"name":"proposalId","type":"uint256"},{"indexed":false,"name":"support","type":"uint8"},{"indexed":false,"name":"weight","type":"uint256"},{"indexed":false,"name":"reason","type":"string"}],"name":"VoteCast","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"proposalId","type":"uint256"}],"name":"ProposalExecuted","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"member","type":"address"}],"name":"MemberAdded","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"TreasuryDeposit","type":"event"}
]`

const erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var (
	daoABI   abi.ABI
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(daoABIJSON))
	if err != nil {
		panic("failed to parse DAO ABI: " + err.Error())
	}
	daoABI = parsed

	parsed, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EventTopics returns the topic0 hashes of every watched event.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(daoABI.Events))
	for _, name := range []string{"ProposalCreated", "VoteCast", "ProposalExecuted", "MemberAdded", "TreasuryDeposit"} {
		topics = append(topics, daoABI.Events[name].ID)
	}
	return topics
}

// logDecoder converts contract logs into raw envelopes.
type logDecoder struct {
	// tokenSymbols maps lower-case token addresses to ticker symbols.
	tokenSymbols map[string]string
	// tokenDecimals maps ticker symbols to their decimals; default 18.
	tokenDecimals map[string]int32
}

func (d logDecoder) decode(lg types.Log) (chainevent.Raw, error) {
	if len(lg.Topics) == 0 {
		return chainevent.Raw{}, errors.New("log has no topics")
	}
	event, err := daoABI.EventByID(lg.Topics[0])
	if err != nil {
		return chainevent.Raw{}, fmt.Errorf("unknown event topic %s: %w", lg.Topics[0].Hex(), err)
	}

	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := daoABI.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
			return chainevent.Raw{}, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return chainevent.Raw{}, fmt.Errorf("parse %s topics: %w", event.Name, err)
	}

	var body any
	switch event.Name {
	case "ProposalCreated":
		body = map[string]any{
			"proposal_id": bigString(fields["proposalId"]),
			"proposer":    addressHex(fields["proposer"]),
			"description": fields["description"],
		}
	case "VoteCast":
		support, _ := fields["support"].(uint8)
		weight, _ := fields["weight"].(*big.Int)
		w := decimal.Zero
		if weight != nil {
			w = decimal.NewFromBigInt(weight, -18)
		}
		body = map[string]any{
			"proposal_id": bigString(fields["proposalId"]),
			"voter":       addressHex(fields["voter"]),
			"choice":      fmt.Sprintf("%d", support),
			"weight":      w,
		}
	case "ProposalExecuted":
		body = map[string]any{
			"proposal_id": bigString(fields["proposalId"]),
			"success":     true,
		}
	case "MemberAdded":
		body = map[string]any{"member": addressHex(fields["member"])}
	case "TreasuryDeposit":
		token := addressHex(fields["token"])
		asset := token
		if sym, ok := d.tokenSymbols[strings.ToLower(token)]; ok {
			asset = sym
		}
		scale := int32(18)
		if dec, ok := d.tokenDecimals[asset]; ok {
			scale = dec
		}
		amount, _ := fields["amount"].(*big.Int)
		a := decimal.Zero
		if amount != nil {
			a = decimal.NewFromBigInt(amount, -scale)
		}
		body = map[string]any{
			"from":      addressHex(fields["from"]),
			"asset":     asset,
			"amount":    a,
			"tx_hash":   lg.TxHash.Hex(),
			"log_index": lg.Index,
		}
	default:
		return chainevent.Raw{}, fmt.Errorf("unsupported event %s", event.Name)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return chainevent.Raw{}, err
	}
	return chainevent.Raw{Type: event.Name, BlockNumber: lg.BlockNumber, Data: data}, nil
}

func bigString(v any) string {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b.String()
	}
	return ""
}

func addressHex(v any) string {
	if a, ok := v.(common.Address); ok {
		return a.Hex()
	}
	return ""
}
