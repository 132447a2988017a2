package main

import (
	"fmt"
	"strconv"

	"github.com/arloliu/go-xnet/xnet"
	"github.com/spf13/cobra"
)

var turnoutCmd = &cobra.Command{
	Use:   "turnout <number> <closed|thrown>",
	Short: "Switch an accessory decoder output",
	Long: `Turnout activates the output of accessory <number> (1-1024), switches it off
again after --off-delay and waits until the command station confirmed both.
If feedback disagrees the accessory state is queried again.`,
	Args: cobra.ExactArgs(2),
	RunE: runTurnout,
}

var queryCmd = &cobra.Command{
	Use:   "query <number>",
	Short: "Query the reported state of an accessory",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	rootCmd.AddCommand(turnoutCmd, queryCmd)
}

func parseAccessory(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !xnet.ValidAccessory(n) {
		return 0, fmt.Errorf("invalid accessory number %q, want 1-%d", s, xnet.MaxAccessory)
	}

	return n, nil
}

func runTurnout(cmd *cobra.Command, args []string) error {
	number, err := parseAccessory(args[0])
	if err != nil {
		return err
	}
	state, err := xnet.ParseAccessoryState(args[1])
	if err != nil || !state.IsDefined() {
		return fmt.Errorf("invalid state %q, want closed or thrown", args[1])
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	tc, _, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	c, err := tc.SetAccessory(number, state)
	if err != nil {
		return err
	}
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("turnout %d: %w", number, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "turnout %d: commanded %s, reported %s\n",
		number, state, tc.Accessories().AccessoryState(number))

	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	number, err := parseAccessory(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	tc, _, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	state, err := tc.QueryAccessory(ctx, number)
	if err != nil {
		return fmt.Errorf("query %d: %w", number, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "accessory %d: %s\n", number, state)

	return nil
}
