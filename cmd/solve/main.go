package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/fixed"
	"dn-yield-strategy/internal/logging"
	"dn-yield-strategy/internal/solver"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// position is the command line view of one solver call. Amounts are whole
// token units; prices are in deposit currency.
type position struct {
	NetFlow    string
	Collateral string
	Loan       string
	Holdings   string

	SecondaryPrice string
	BuyPrice       string
	SellPrice      string
	Exposure       string

	SwapFeeBps        uint64
	FlashPremiumBps   uint64
	HealthBps         uint64
	LiqThresholdBps   uint64
	DepositDecimals   uint8
	SecondaryDecimals uint8
	MarketDecimals    uint8
}

type result struct {
	Branch           string `json:"branch"`
	Clamped          bool   `json:"clamped"`
	TargetLong       string `json:"target_long"`
	LongDelta        string `json:"long_delta"`
	TargetLoan       string `json:"target_loan"`
	LoanDelta        string `json:"loan_delta"`
	TargetCollateral string `json:"target_collateral"`
}

func main() {
	configPath := flag.String("config", "", "optional config path for decimals and health target")
	asJSON := flag.Bool("json", false, "print the allocation as JSON")
	var p position
	flag.StringVar(&p.NetFlow, "net-flow", "0", "signed deposit currency entering (+) or leaving (-)")
	flag.StringVar(&p.Collateral, "collateral", "0", "deposit currency supplied as collateral")
	flag.StringVar(&p.Loan, "loan", "0", "secondary currency borrowed")
	flag.StringVar(&p.Holdings, "holdings", "0", "market tokens held")
	flag.StringVar(&p.SecondaryPrice, "secondary-price", "2000", "secondary price in deposit currency")
	flag.StringVar(&p.BuyPrice, "buy-price", "", "deposit cost of one market token (defaults to sell price)")
	flag.StringVar(&p.SellPrice, "sell-price", "1", "deposit proceeds of one market token")
	flag.StringVar(&p.Exposure, "exposure", "0", "secondary units of exposure per market token")
	flag.Uint64Var(&p.SwapFeeBps, "swap-fee-bps", 5, "swap fee in bps")
	flag.Uint64Var(&p.FlashPremiumBps, "flash-premium-bps", 5, "flash loan premium in bps")
	flag.Uint64Var(&p.LiqThresholdBps, "liq-threshold-bps", 8000, "lending pool liquidation threshold in bps")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	p.HealthBps = cfg.Strategy.HealthTargetBps
	p.DepositDecimals = cfg.Strategy.DepositDecimals
	p.SecondaryDecimals = cfg.Strategy.SecondaryDecimals
	p.MarketDecimals = cfg.Strategy.MarketDecimals
	if p.BuyPrice == "" {
		p.BuyPrice = p.SellPrice
	}

	res, err := solve(p)
	if err != nil {
		log.Error("solve failed", zap.Error(err))
		os.Exit(1)
	}
	log.Debug("solved", zap.String("branch", res.Branch), zap.Bool("clamped", res.Clamped))
	if *asJSON {
		pretty, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(pretty))
		return
	}
	fmt.Println(strings.Join([]string{
		fmt.Sprintf("branch: %s", res.Branch),
		fmt.Sprintf("clamped: %t", res.Clamped),
		fmt.Sprintf("target long: %s (%s)", res.TargetLong, res.LongDelta),
		fmt.Sprintf("target loan: %s (%s)", res.TargetLoan, res.LoanDelta),
		fmt.Sprintf("target collateral: %s", res.TargetCollateral),
	}, "\n"))
}

func solve(p position) (result, error) {
	in, err := p.inputs()
	if err != nil {
		return result{}, err
	}
	alloc, err := solver.Solve(in)
	if err != nil {
		return result{}, err
	}
	longDelta := new(big.Int).Sub(alloc.TargetLong, in.Holdings)
	loanDelta := new(big.Int).Sub(alloc.TargetLoan, in.Loan)
	return result{
		Branch:           alloc.Branch.String(),
		Clamped:          alloc.Clamped,
		TargetLong:       fixed.Format(alloc.TargetLong, p.MarketDecimals),
		LongDelta:        signed(longDelta, p.MarketDecimals),
		TargetLoan:       fixed.Format(alloc.TargetLoan, p.SecondaryDecimals),
		LoanDelta:        signed(loanDelta, p.SecondaryDecimals),
		TargetCollateral: fixed.Format(solver.TargetCollateral(in.HDivQ, alloc.TargetLoan, in.OracleRate), p.DepositDecimals),
	}, nil
}

func (p position) inputs() (solver.Inputs, error) {
	var in solver.Inputs
	var err error
	if in.NetFlow, err = fixed.Parse(p.NetFlow, p.DepositDecimals); err != nil {
		return in, fmt.Errorf("net-flow: %w", err)
	}
	if in.Collateral, err = amount("collateral", p.Collateral, p.DepositDecimals); err != nil {
		return in, err
	}
	if in.Loan, err = amount("loan", p.Loan, p.SecondaryDecimals); err != nil {
		return in, err
	}
	if in.Holdings, err = amount("holdings", p.Holdings, p.MarketDecimals); err != nil {
		return in, err
	}
	if in.OracleRate, err = rate("secondary-price", p.SecondaryPrice, p.DepositDecimals, p.SecondaryDecimals); err != nil {
		return in, err
	}
	if in.BuyValue, err = rate("buy-price", p.BuyPrice, p.DepositDecimals, p.MarketDecimals); err != nil {
		return in, err
	}
	if in.SellValue, err = rate("sell-price", p.SellPrice, p.DepositDecimals, p.MarketDecimals); err != nil {
		return in, err
	}
	if in.ExposureRate, err = rate("exposure", p.Exposure, p.SecondaryDecimals, p.MarketDecimals); err != nil {
		return in, err
	}
	if in.HDivQ, err = solver.HDivQ(p.HealthBps, p.LiqThresholdBps); err != nil {
		return in, err
	}
	in.SwapFeeBps = p.SwapFeeBps
	in.FlashPremiumBps = p.FlashPremiumBps
	return in, nil
}

func amount(name, value string, decimals uint8) (*big.Int, error) {
	out, err := fixed.Parse(value, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if out.Sign() < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return out, nil
}

// rate converts a whole-unit price of one base unit in quote currency into
// quote raw units per base raw unit, scaled by fixed.Precision.
func rate(name, value string, quoteDecimals, baseDecimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() {
		return nil, errors.New(name + " must be >= 0")
	}
	shift := int32(fixed.PrecisionDecimals) + int32(quoteDecimals) - int32(baseDecimals)
	return d.Shift(shift).Truncate(0).BigInt(), nil
}

func signed(v *big.Int, decimals uint8) string {
	if v.Sign() >= 0 {
		return "+" + fixed.Format(v, decimals)
	}
	return fixed.Format(v, decimals)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
