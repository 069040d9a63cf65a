package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	simulateOrg      string
	simulateBalances []string
	simulatePrices   []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用给定持仓与价格模拟一次分析并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		balances, err := parsePairs(simulateBalances, "--balance")
		if err != nil {
			return err
		}
		prices, err := parsePairs(simulatePrices, "--price")
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOrg, balances, prices)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOrg, "org", "", "组织 id")
	simulateCmd.Flags().StringArrayVar(&simulateBalances, "balance", nil, "持仓，格式 SYMBOL=AMOUNT，可重复")
	simulateCmd.Flags().StringArrayVar(&simulatePrices, "price", nil, "美元价格，格式 SYMBOL=PRICE，可重复")
}

// parsePairs parses SYMBOL=VALUE flags into a map of positive values.
func parsePairs(values []string, flag string) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for _, v := range values {
		sym, raw, ok := strings.Cut(v, "=")
		sym = strings.TrimSpace(sym)
		if !ok || sym == "" {
			return nil, fmt.Errorf("%s %q: expected SYMBOL=VALUE", flag, v)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s %q: value must be a positive number", flag, v)
		}
		out[strings.ToUpper(sym)] = n
	}
	return out, nil
}
