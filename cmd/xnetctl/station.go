package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-xnet/engine"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show command station version and status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var powerCmd = &cobra.Command{
	Use:       "power <on|off|estop>",
	Short:     "Switch track power or stop all locomotives",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "estop"},
	RunE:      runPower,
}

var cvCmd = &cobra.Command{
	Use:   "cv",
	Short: "Read and write CVs on the programming track (direct mode)",
}

var cvReadCmd = &cobra.Command{
	Use:   "read <cv>",
	Short: "Read a CV",
	Args:  cobra.ExactArgs(1),
	RunE:  runCVRead,
}

var cvWriteCmd = &cobra.Command{
	Use:   "write <cv> <value>",
	Short: "Write a CV",
	Args:  cobra.ExactArgs(2),
	RunE:  runCVWrite,
}

func init() {
	cvCmd.AddCommand(cvReadCmd, cvWriteCmd)
	rootCmd.AddCommand(statusCmd, powerCmd, cvCmd)
}

// capture returns the first reply matching match seen by tc's listeners.
func capture(tc *engine.TrafficController, match func(*xnet.Reply) bool) (<-chan *xnet.Reply, func()) {
	ch := make(chan *xnet.Reply, 1)
	remove := tc.AddListener(engine.ListenerFuncs{Reply: func(r *xnet.Reply) {
		if !match(r) {
			return
		}
		select {
		case ch <- r:
		default:
		}
	}})

	return ch, remove
}

// exchange sends msg and returns the first reply matching match.
func exchange(ctx context.Context, tc *engine.TrafficController, msg *xnet.Message, match func(*xnet.Reply) bool) (*xnet.Reply, error) {
	ch, remove := capture(tc, match)
	defer remove()

	c, err := tc.Send(msg)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	tc, info, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n", info)

	version, err := exchange(ctx, tc, xnet.NewCSVersionRequest(), func(r *xnet.Reply) bool {
		return r.Header() == xnet.HeaderCSVersion && r.Element(1) == 0x21
	})
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	fmt.Fprintf(out, "Version:    %d.%d (id %02X)\n", version.Element(2)>>4, version.Element(2)&0x0F, version.Element(3))

	status, err := exchange(ctx, tc, xnet.NewCSStatusRequest(), func(r *xnet.Reply) bool {
		_, ok := r.CSStatus()
		return ok
	})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	b, _ := status.CSStatus()
	fmt.Fprintf(out, "Status:     %02X %s\n", b, describeStatus(b))

	return nil
}

func describeStatus(b byte) string {
	var flags []string
	if b&0x01 != 0 {
		flags = append(flags, "emergency-off")
	}
	if b&0x02 != 0 {
		flags = append(flags, "emergency-stop")
	}
	if b&0x08 != 0 {
		flags = append(flags, "service-mode")
	}
	if b&0x40 != 0 {
		flags = append(flags, "powering-up")
	}
	if b&0x80 != 0 {
		flags = append(flags, "ram-check-error")
	}
	if len(flags) == 0 {
		return "normal"
	}

	return strings.Join(flags, ",")
}

func runPower(cmd *cobra.Command, args []string) error {
	var msg *xnet.Message
	switch args[0] {
	case "on":
		msg = xnet.NewResumeOperations()
	case "off":
		msg = xnet.NewTrackPowerOff()
	case "estop":
		msg = xnet.NewEmergencyStop()
	default:
		return fmt.Errorf("invalid argument %q, want on, off or estop", args[0])
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	tc, _, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	c, err := tc.Send(msg)
	if err != nil {
		return err
	}

	return c.Wait(ctx)
}

func parseCV(s string) (int, error) {
	cv, err := strconv.Atoi(s)
	if err != nil || cv < 1 || cv > 256 {
		return 0, fmt.Errorf("invalid CV %q, want 1-256", s)
	}

	return cv, nil
}

func runCVRead(cmd *cobra.Command, args []string) error {
	cv, err := parseCV(args[0])
	if err != nil {
		return err
	}

	read, err := xnet.NewDirectModeRead(cv)
	if err != nil {
		return err
	}

	return withProgrammingTrack(cmd, read, func(ctx context.Context, tc *engine.TrafficController) error {
		result, err := exchange(ctx, tc, xnet.NewServiceModeResultsRequest(), (*xnet.Reply).IsServiceModeResult)
		if err != nil {
			return fmt.Errorf("read CV%d: %w", cv, err)
		}

		gotCV, value, ok := result.ServiceModeResult()
		if !ok {
			return fmt.Errorf("read CV%d: %s", cv, serviceModeStatus(result))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CV%d = %d (0x%02X)\n", gotCV, value, value)

		return nil
	})
}

func runCVWrite(cmd *cobra.Command, args []string) error {
	cv, err := parseCV(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid value %q, want 0-255", args[1])
	}

	write, err := xnet.NewDirectModeWrite(cv, byte(value))
	if err != nil {
		return err
	}

	return withProgrammingTrack(cmd, write, func(ctx context.Context, tc *engine.TrafficController) error {
		result, err := exchange(ctx, tc, xnet.NewServiceModeResultsRequest(), (*xnet.Reply).IsServiceModeResult)
		if err != nil {
			return fmt.Errorf("write CV%d: %w", cv, err)
		}
		if _, _, ok := result.ServiceModeResult(); !ok && byte(result.Element(1)) != xnet.CSServiceReady {
			return fmt.Errorf("write CV%d: %s", cv, serviceModeStatus(result))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CV%d written\n", cv)

		return nil
	})
}

// withProgrammingTrack sends a service mode command, runs fn and resumes
// normal operations whatever fn returned.
func withProgrammingTrack(cmd *cobra.Command, msg *xnet.Message, fn func(context.Context, *engine.TrafficController) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	tc, _, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	c, err := tc.Send(msg)
	if err != nil {
		return err
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}

	ferr := fn(ctx, tc)

	resume, err := tc.Send(xnet.NewResumeOperations())
	if err != nil {
		return errors.Join(ferr, err)
	}

	return errors.Join(ferr, resume.Wait(ctx))
}
