package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/compare"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare a month against the same month of the previous year",
	Long: `Compare pairs the lines of a month with those of the same month one year
earlier, per client and service, and prints the unit price change of each
pair. Unpaired lines show up as missing (billed last year only) or new.

Without --year/--month the latest month with data is used. With --a and
--b two arbitrary sets of months are compared instead.

Filters:
  --show     neg | eq | pos | miss | new
  --percent  under | equal | over (rises below, at or above 3%)`,
	Example: `  # Latest month, all rows
  reconctl compare

  # June 2025 for one client, price rises only
  reconctl compare --year 2025 --month 6 --client 12 --show pos

  # First quarter against second quarter, written to a workbook
  reconctl compare --a 2025-01,2025-02,2025-03 --b 2025-04,2025-05,2025-06 --xlsx q1-q2.xlsx`,
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)

	compareCmd.Flags().Int("year", 0, "Year to compare (default: latest with data)")
	compareCmd.Flags().Int("month", 0, "Month to compare, 1-12")
	compareCmd.Flags().Int64("client", 0, "Restrict to one client id")
	compareCmd.Flags().Int64("manager", 0, "Restrict to lines assigned to one user id")
	compareCmd.Flags().String("show", "", "Row class filter")
	compareCmd.Flags().String("percent", "", "Percent bucket filter for price rises")
	compareCmd.Flags().Bool("linked", false, "Include rows inferred from service links")
	compareCmd.Flags().String("a", "", "Comma-separated YYYY-MM months of the first period")
	compareCmd.Flags().String("b", "", "Comma-separated YYYY-MM months of the second period")
	compareCmd.Flags().String("xlsx", "", "Write the rows to this workbook instead of stdout")
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	year, _ := cmd.Flags().GetInt("year")
	month, _ := cmd.Flags().GetInt("month")
	clientFlag, _ := cmd.Flags().GetInt64("client")
	managerFlag, _ := cmd.Flags().GetInt64("manager")
	show, _ := cmd.Flags().GetString("show")
	percent, _ := cmd.Flags().GetString("percent")
	linked, _ := cmd.Flags().GetBool("linked")
	rawA, _ := cmd.Flags().GetString("a")
	rawB, _ := cmd.Flags().GetString("b")
	xlsxPath, _ := cmd.Flags().GetString("xlsx")

	var clientID *billing.ClientID
	if clientFlag > 0 {
		clientID = &clientFlag
	}
	var managerID *billing.UserID
	if managerFlag > 0 {
		managerID = &managerFlag
	}

	assembler := compare.NewAssembler(store, store, store)
	assembler.Tolerance = cfg.PairingTolerance

	var (
		rows   []compare.Row
		counts compare.Counts
		title  string
	)
	if rawA != "" || rawB != "" {
		a, err := billing.ParseYearMonths(rawA)
		if err != nil {
			return fmt.Errorf("--a: %w", err)
		}
		b, err := billing.ParseYearMonths(rawB)
		if err != nil {
			return fmt.Errorf("--b: %w", err)
		}
		report, err := assembler.ComparePeriods(ctx, compare.PeriodQuery{
			A:             a,
			B:             b,
			ClientID:      clientID,
			ManagerUserID: managerID,
			Show:          compare.ParseShow(show),
			Percent:       compare.ParsePercent(percent),
		})
		if err != nil {
			return err
		}
		rows, counts = report.Rows, report.Counts
		title = fmt.Sprintf("%v vs %v", a, b)
	} else {
		q := compare.Query{
			Year:          year,
			Month:         month,
			Show:          compare.ParseShow(show),
			Percent:       compare.ParsePercent(percent),
			ManagerUserID: managerID,
			IncludeLinked: linked,
		}
		var (
			report *compare.Report
			err    error
		)
		if clientID != nil {
			report, err = assembler.ForClient(ctx, *clientID, q)
		} else {
			report, err = assembler.Monthly(ctx, q)
		}
		if err != nil {
			return err
		}
		rows, counts = report.Rows, report.Counts
		title = fmt.Sprintf("%s vs %s", report.Period, report.Previous)
	}

	if xlsxPath != "" {
		f, err := os.Create(xlsxPath)
		if err != nil {
			return err
		}
		if err := compare.WriteXLSX(f, rows); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", xlsxPath, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows written to %s\n", title, len(rows), xlsxPath)
		return nil
	}

	return printRows(cmd.OutOrStdout(), title, rows, counts)
}

func printRows(out io.Writer, title string, rows []compare.Row, counts compare.Counts) error {
	fmt.Fprintf(out, "%s  all=%d neg=%d eq=%d pos=%d miss=%d new=%d\n\n", title, counts.All,
		counts.Show[compare.ShowNeg], counts.Show[compare.ShowEq], counts.Show[compare.ShowPos],
		counts.Show[compare.ShowMiss], counts.Show[compare.ShowNew])

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tSERVICE\tMANAGER\tPREV REF\tPREV PRICE\tCURR REF\tCURR PRICE\tDELTA\t%\tCLASS\tREASON")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ClientName, r.ServiceName, r.ManagerName,
			r.PreviousRef, cell(r.PreviousUnitPrice),
			r.CurrentRef, cell(r.CurrentUnitPrice),
			cell(r.DeltaPrice), cell(r.PercentDelta),
			compare.Classify(r), r.MissingReason)
	}
	return tw.Flush()
}

func cell(f billing.Figure) string {
	if d, ok := f.Decimal(); ok {
		return d.StringFixed(2)
	}
	if f.IsIncomparable() {
		return "n/a"
	}
	return "-"
}
