// Command peer is a headless script peer: it subscribes to channels and
// prints what arrives, publishes a single message, or queries hub status.
//
//	peer [flags] subscribe <channel>...
//	peer [flags] publish <channel> <data>
//	peer [flags] status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-wshub/pkg/client"
	"github.com/lightforgemedia/go-wshub/pkg/config"
)

var (
	channelColor = color.New(color.FgCyan, color.Bold)
	stateColor   = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	okColor      = color.New(color.FgGreen)
)

func main() {
	configPath := flag.String("config", "", "YAML config file shared with the hub")
	url := flag.String("url", "", "hub WebSocket URL (defaults to the config's host, port and path)")
	portFile := flag.String("port-file", "", "read the hub port from this file, and again before every reconnect")
	format := flag.String("format", "", "wire format to request: json or bson")
	verbose := flag.Bool("v", false, "log client internals")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] subscribe <channel>... | publish <channel> <data> | status\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			errorColor.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if *portFile != "" {
		cfg.PortFile = *portFile
	}
	if *format != "" {
		cfg.WireFormat = *format
		if err := cfg.Validate(); err != nil {
			errorColor.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := resolveURL(ctx, cfg, *url)
	if err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := append(cfg.ClientOptions(), client.WithLogger(logger), client.WithErrorHandler(func(err error) {
		errorColor.Fprintf(os.Stderr, "error: %v\n", err)
	}))
	c, err := client.New(target, opts...)
	if err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()
	c.OnStateChange(func(sc client.StateChange) {
		if sc.Err != nil {
			stateColor.Fprintf(os.Stderr, "[%s -> %s] %v\n", sc.From, sc.To, sc.Err)
			return
		}
		stateColor.Fprintf(os.Stderr, "[%s -> %s]\n", sc.From, sc.To)
	})

	if err := dispatch(ctx, c, flag.Args()); err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveURL prefers an explicit URL, then the port file, then the config.
func resolveURL(ctx context.Context, cfg *config.Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg.PortFile == "" {
		return cfg.URL(), nil
	}
	port, err := client.FilePortDiscovery(cfg.PortFile)(ctx)
	if err != nil {
		return "", fmt.Errorf("hub port: %w", err)
	}
	cfg.Port = port
	return cfg.URL(), nil
}

func dispatch(ctx context.Context, c *client.Client, args []string) error {
	connect := func() error {
		if err := c.Connect(); err != nil {
			return err
		}
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return c.AwaitOpen(openCtx)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "subscribe":
		if len(rest) == 0 {
			return fmt.Errorf("subscribe: no channels given")
		}
		return subscribe(ctx, c, connect, rest)
	case "publish":
		if len(rest) != 2 {
			return fmt.Errorf("publish: want <channel> <data>")
		}
		if err := connect(); err != nil {
			return err
		}
		return publish(ctx, c, rest[0], rest[1])
	case "status":
		if err := connect(); err != nil {
			return err
		}
		return status(ctx, c)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func subscribe(ctx context.Context, c *client.Client, connect func() error, channels []string) error {
	for _, ch := range channels {
		if err := c.Subscribe(ch, printMessage); err != nil {
			return err
		}
	}
	c.OnSubscriptionResult(func(r client.SubscriptionResult) {
		if r.Success {
			okColor.Fprintf(os.Stderr, "subscribed to %s (%d subscribers)\n", r.ChannelID, r.SubscriberCount)
			return
		}
		errorColor.Fprintf(os.Stderr, "subscribe %s failed: %s\n", r.ChannelID, r.Error)
	})
	if err := connect(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func printMessage(m client.Message) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		data = []byte(fmt.Sprint(m.Data))
	}
	prefix := channelColor.Sprint(m.ChannelID)
	if m.Retained {
		prefix += color.New(color.Faint).Sprint(" (retained)")
	}
	fmt.Printf("%s %s %s\n", m.Time.Format(time.TimeOnly), prefix, data)
}

// publish sends data as JSON if it parses, otherwise as a string.
func publish(ctx context.Context, c *client.Client, channel, raw string) error {
	var data any = raw
	var parsed any
	if json.Unmarshal([]byte(raw), &parsed) == nil {
		data = parsed
	}
	n, err := c.PublishSync(ctx, channel, data, false)
	if err != nil {
		return err
	}
	okColor.Printf("delivered to %d subscribers\n", n)
	return nil
}

type statusResponse struct {
	Connections int      `json:"connections" bson:"connections"`
	Channels    []string `json:"channels" bson:"channels"`
	Uptime      string   `json:"uptime" bson:"uptime"`
}

func status(ctx context.Context, c *client.Client) error {
	st, err := client.GenericRequest[statusResponse](ctx, c, "hub.status", nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d connections, up %s\n", okColor.Sprint("hub:"), st.Connections, st.Uptime)
	for _, ch := range st.Channels {
		fmt.Println("  " + channelColor.Sprint(ch))
	}
	return nil
}
