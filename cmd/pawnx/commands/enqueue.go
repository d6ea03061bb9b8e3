package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/display"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/mint"
	"github.com/teranos/pawnx/pawn"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/purchase"
	"github.com/teranos/pawnx/sym"
)

var initiatorFlag string

// RepayCmd enqueues an immediate repayment
var RepayCmd = &cobra.Command{
	Use:   "repay <token-id>",
	Short: sym.Settle + " Enqueue an immediate repayment for a token",
	Long: sym.Settle + ` Enqueue an immediate repayment for a token.

The buyback price is computed from the listing valuation and the months
elapsed since acquisition. Workers must be running (pawnx pulse start).

Example:
  pawnx repay 0.0.7001 --by ops@pawnx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		handle, err := rt.Service.EnqueueRepayment(cmd.Context(), pawn.RepaymentRequest{
			TokenID:           args[0],
			ListingID:         repayListingFlag,
			InitiatorID:       initiatorFlag,
			OperatorAccountID: repayOperatorFlag,
		})
		if err != nil {
			return err
		}
		return printHandle(cmd, handle)
	},
}

// MintCmd enqueues fractional unit minting for a token
var MintCmd = &cobra.Command{
	Use:   "mint <token-id>",
	Short: sym.Mint + " Enqueue minting of fractional units",
	Long: sym.Mint + ` Enqueue minting of fractional units for a token.

Units are minted by a bounded pool of workers in batches no larger than
the ledger ceiling. A token is minted at most once.

Example:
  pawnx mint 0.0.7001 --units 10000 --name "Gold Bar 12" --symbol GB12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		handle, err := rt.Service.EnqueueMint(cmd.Context(), mint.Job{
			TokenID:     args[0],
			TotalUnits:  mintUnitsFlag,
			Name:        mintNameFlag,
			Symbol:      mintSymbolFlag,
			Metadata:    mintMetadataFlag,
			InitiatorID: initiatorFlag,
		})
		if err != nil {
			return err
		}
		return printHandle(cmd, handle)
	},
}

// BuyCmd enqueues an investor purchase
var BuyCmd = &cobra.Command{
	Use:   "buy <token-id>",
	Short: sym.Buy + " Enqueue an investor purchase of units",
	Long: sym.Buy + ` Enqueue an investor purchase of fractional units.

Retrying with the same --request-id never buys twice.

Example:
  pawnx buy 0.0.7001 --investor 0.0.301 --units 5 --request-id order-881`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		requestID := buyRequestFlag
		if requestID == "" {
			requestID = uuid.NewString()
			pterm.Info.Printfln("No --request-id given, using %s", requestID)
		}

		handle, err := rt.Service.EnqueuePurchase(cmd.Context(), pawn.PurchaseRequest{
			RequestID: requestID,
			Job: purchase.Job{
				TokenID:     args[0],
				Investor:    buyInvestorFlag,
				Units:       buyUnitsFlag,
				InitiatorID: initiatorFlag,
			},
		})
		if err != nil {
			return err
		}
		return printHandle(cmd, handle)
	},
}

// DiscoverCmd runs or enqueues repayment discovery
var DiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: sym.Scan + " Find tokens due for repayment today",
	Long: sym.Scan + ` Find tokens whose pawn period ends today and schedule their repayment.

By default a discovery job is enqueued on the scheduler queue. With
--inline discovery runs in this process and prints what it scheduled.
--force also picks up tokens already marked for buyback.

Examples:
  pawnx discover
  pawnx discover --inline --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, closeDB, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if !discoverInlineFlag {
			handle, err := rt.Service.TriggerDiscovery(ctx, discoverForceFlag)
			if err != nil {
				return err
			}
			return printHandle(cmd, handle)
		}

		res, err := rt.Discovery.Run(ctx, discoverForceFlag)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(cmd, res)
		}
		loc := rt.Config.Location()
		fmt.Printf("%s Window %s .. %s\n", sym.Scan,
			res.WindowStart.In(loc).Format(time.DateTime), res.WindowEnd.In(loc).Format(time.DateTime))
		if res.Found == 0 {
			pterm.Info.Println("No tokens due")
			return nil
		}
		data := pterm.TableData{{"Token", "Job", "Delay", "Duplicate"}}
		for _, s := range res.Scheduled {
			data = append(data, []string{s.TokenID, shortJobID(s.JobID), s.Delay.Round(time.Second).String(), fmt.Sprint(s.Duplicate)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		for _, f := range res.Outcome.Failed {
			pterm.Warning.Printfln("%s: %s", f.Item, f.Reason)
		}
		if len(res.Outcome.Failed) > 0 {
			return errors.Newf("%d of %d tokens could not be scheduled", len(res.Outcome.Failed), res.Found)
		}
		return nil
	},
}

var (
	repayListingFlag   string
	repayOperatorFlag  string
	mintUnitsFlag      int
	mintNameFlag       string
	mintSymbolFlag     string
	mintMetadataFlag   string
	buyInvestorFlag    string
	buyUnitsFlag       int
	buyRequestFlag     string
	discoverForceFlag  bool
	discoverInlineFlag bool
)

func init() {
	for _, c := range []*cobra.Command{RepayCmd, MintCmd, BuyCmd} {
		c.Flags().StringVar(&initiatorFlag, "by", defaultInitiator(), "Initiator recorded on the job")
	}

	RepayCmd.Flags().StringVar(&repayListingFlag, "listing", "", "Listing id (default: the token's active listing)")
	RepayCmd.Flags().StringVar(&repayOperatorFlag, "operator", "", "Operator account paying holders (default: configured treasury)")

	MintCmd.Flags().IntVar(&mintUnitsFlag, "units", 0, "Total fractional units to mint")
	MintCmd.Flags().StringVar(&mintNameFlag, "name", "", "Token name")
	MintCmd.Flags().StringVar(&mintSymbolFlag, "symbol", "", "Token symbol")
	MintCmd.Flags().StringVar(&mintMetadataFlag, "metadata", "", "Metadata stamped on every unit")
	_ = MintCmd.MarkFlagRequired("units")

	BuyCmd.Flags().StringVar(&buyInvestorFlag, "investor", "", "Investor account id")
	BuyCmd.Flags().IntVar(&buyUnitsFlag, "units", 0, "Units to buy")
	BuyCmd.Flags().StringVar(&buyRequestFlag, "request-id", "", "Idempotency key for this purchase")
	_ = BuyCmd.MarkFlagRequired("investor")
	_ = BuyCmd.MarkFlagRequired("units")

	DiscoverCmd.Flags().BoolVar(&discoverForceFlag, "force", false, "Include tokens already marked for buyback")
	DiscoverCmd.Flags().BoolVar(&discoverInlineFlag, "inline", false, "Run discovery in this process instead of enqueuing it")
}

func defaultInitiator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func printHandle(cmd *cobra.Command, h *async.JobHandle) error {
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd, h)
	}
	if h.Duplicate {
		pterm.Warning.Printfln("Already scheduled: job %s (%s)", h.ID, h.State)
		return nil
	}
	pterm.Success.Printfln("%s Enqueued job %s on %s", sym.QueueSymbol(h.Queue), h.ID, h.Queue)
	if h.Key != "" {
		fmt.Printf("  key:    %s\n", h.Key)
	}
	fmt.Printf("  run at: %s\n", h.RunAt.Local().Format(time.DateTime))
	return nil
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
