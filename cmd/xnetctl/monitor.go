package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arloliu/go-xnet/engine"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/metric"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const keyMetricsAddr = "metrics-addr"

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print bus traffic and accessory changes",
	Long: `Monitor prints every packet received from the command station, decodes
feedback into accessory states and reports reply timeouts. With --metrics-addr
the controller counters are served in Prometheus format on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().String(keyMetricsAddr, "", "serve Prometheus metrics on this address, e.g. :9110")
	_ = viper.BindPFlag(keyMetricsAddr, monitorCmd.Flags().Lookup(keyMetricsAddr))
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tc, info, err := startController(ctx)
	if err != nil {
		return err
	}
	defer tc.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\nPress Ctrl+C to exit\n\n", info)

	tc.AddListener(engine.ListenerFuncs{
		Reply: func(r *xnet.Reply) {
			fmt.Fprintf(out, "%s  %s\n", time.Now().Format("15:04:05.000"), describeReply(r))
		},
		Timeout: func(m *xnet.Message) {
			fmt.Fprintf(out, "%s  timeout waiting for reply to %s\n", time.Now().Format("15:04:05.000"), m)
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	if addr := viper.GetString(keyMetricsAddr); addr != "" {
		srv, err := newMetricsServer(tc, addr, info)
		if err != nil {
			return err
		}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server on %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", "addr", addr)
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func newMetricsServer(tc *engine.TrafficController, addr, info string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metric.NewControllerCollector(tc, prometheus.Labels{"interface": info})); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", metric.Handler(reg))

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
}

// describeReply renders a reply with its decoded meaning.
func describeReply(r *xnet.Reply) string {
	switch {
	case r.IsOkMessage():
		return fmt.Sprintf("%s  ok", r)
	case r.IsRetransmittableError():
		return fmt.Sprintf("%s  transmission error", r)
	case r.IsFeedback():
		s := r.String() + " "
		for _, item := range r.FeedbackItems() {
			s += " " + item.String()
		}
		return s
	case r.IsServiceModeResult():
		if cv, value, ok := r.ServiceModeResult(); ok {
			return fmt.Sprintf("%s  CV%d = %d", r, cv, value)
		}
		return fmt.Sprintf("%s  %s", r, serviceModeStatus(r))
	case r.IsBroadcast():
		return fmt.Sprintf("%s  broadcast: %s", r, broadcastName(r))
	default:
		return r.String()
	}
}

func broadcastName(r *xnet.Reply) string {
	if r.Header() == xnet.HeaderEStopBroadcast {
		return "emergency stop"
	}

	switch byte(r.Element(1)) {
	case xnet.CSTrackPowerOff:
		return "track power off"
	case xnet.CSNormalResumed:
		return "normal operations resumed"
	case xnet.CSServiceMode:
		return "service mode entry"
	default:
		return "unknown"
	}
}

func serviceModeStatus(r *xnet.Reply) string {
	switch byte(r.Element(1)) {
	case xnet.CSServiceReady:
		return "service mode ready"
	case xnet.CSServiceShort:
		return "programming track short circuit"
	case xnet.CSServiceNotFound:
		return "data byte not found"
	case xnet.CSServiceBusy:
		return "command station busy"
	default:
		return "unknown service mode status"
	}
}
