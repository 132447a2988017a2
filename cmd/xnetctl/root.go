package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/arloliu/go-xnet/engine"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configuration keys, also the flag names
const (
	keyPort         = "port"
	keyBaud         = "baud"
	keyAddr         = "addr"
	keyURL          = "url"
	keyUsername     = "username"
	keyPassword     = "password"
	keyFraming      = "framing"
	keyLogLevel     = "log-level"
	keyReplyTimeout = "reply-timeout"
	keyOffDelay     = "off-delay"
	keyWait         = "wait"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xnetctl",
	Short: "XPressNet command station client",
	Long: `xnetctl drives an XPressNet (Lenz) command station: switch turnouts, query
accessory states, read and write CVs on the programming track and monitor the
bus.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 19200] [--framing raw|liusb]
  LAN:       --addr 192.168.0.200:5550
  WebSocket: --url ws://host/path [--username user]

Every flag can be set in xnetctl.yaml or through XNET_ environment variables,
for example XNET_PORT or XNET_REPLY_TIMEOUT. The websocket password is read
from XNET_PASSWORD only.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./xnetctl.yaml or $HOME/.config/xnetctl/xnetctl.yaml)")
	flags.StringP(keyPort, "p", "", "serial port device")
	flags.IntP(keyBaud, "b", transport.DefaultSerialBaud, "baud rate (serial only)")
	flags.StringP(keyAddr, "a", "", "LAN interface address host:port")
	flags.StringP(keyURL, "u", "", "websocket bridge URL (ws:// or wss://)")
	flags.String(keyUsername, "", "username for HTTP basic auth (websocket only)")
	flags.String(keyFraming, "", "packet framing: raw, liusb or lan (default raw for serial, lan for --addr)")
	flags.String(keyLogLevel, "warn", "log level: debug, info, warn or error")
	flags.Duration(keyReplyTimeout, engine.DefaultReplyTimeout, "reply timeout")
	flags.Duration(keyOffDelay, engine.DefaultOffDelay, "accessory output on-time before the OFF command")
	flags.Duration(keyWait, 10*time.Second, "how long a command may take")

	for _, key := range []string{
		keyPort, keyBaud, keyAddr, keyURL, keyUsername, keyFraming,
		keyLogLevel, keyReplyTimeout, keyOffDelay, keyWait,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig(_ *cobra.Command, _ []string) error {
	viper.SetEnvPrefix("xnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xnetctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/xnetctl")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level, err := logger.ParseLevel(viper.GetString(keyLogLevel))
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	return nil
}

// openPort opens the interface selected by the configuration and returns it
// with a description for the user.
func openPort(ctx context.Context) (*transport.StreamPort, string, error) {
	var opts []transport.Option
	if name := viper.GetString(keyFraming); name != "" {
		framing, err := transport.ParseFraming(name)
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, transport.WithFraming(framing))
	}

	switch {
	case viper.GetString(keyURL) != "":
		url := viper.GetString(keyURL)
		if user := viper.GetString(keyUsername); user != "" {
			opts = append(opts, transport.WithBasicAuth(user, viper.GetString(keyPassword)))
		}
		port, err := transport.DialWebSocket(ctx, url, opts...)

		return port, "websocket " + url, err

	case viper.GetString(keyAddr) != "":
		addr := viper.GetString(keyAddr)
		port, err := transport.DialTCP(ctx, addr, opts...)

		return port, "lan " + addr, err

	case viper.GetString(keyPort) != "":
		name := viper.GetString(keyPort)
		baud := viper.GetInt(keyBaud)
		port, err := transport.OpenSerial(name, baud, opts...)

		return port, fmt.Sprintf("serial %s @ %d baud", name, baud), err

	default:
		return nil, "", errors.New("one of --port, --addr or --url must be specified")
	}
}

// startController opens the interface and starts a traffic controller on it.
// The caller closes the controller.
func startController(ctx context.Context) (*engine.TrafficController, string, error) {
	port, info, err := openPort(ctx)
	if err != nil {
		return nil, "", err
	}

	tc, err := engine.NewTrafficController(port,
		engine.WithReplyTimeout(viper.GetDuration(keyReplyTimeout)),
		engine.WithAccessoryOffDelay(viper.GetDuration(keyOffDelay)),
		engine.WithLogger(logger.With("interface", info)),
	)
	if err != nil {
		_ = port.Close()
		return nil, "", err
	}

	if err := tc.Start(ctx); err != nil {
		_ = tc.Close()
		return nil, "", err
	}

	return tc, info, nil
}

// commandContext bounds a one-shot command by the --wait flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration(keyWait))
}
