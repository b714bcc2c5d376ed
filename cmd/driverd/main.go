package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atsika/driverd"
)

func main() {
	addrFlag := flag.String("addr", "", "device address: tcp://host:port, tcps://host:port, ws://host:port/path or wss://host:port/path (required)")
	delimFlag := flag.String("delim", "\n", "framing delimiter (ignored if -length-prefix is set)")
	redisFlag := flag.String("redis", "", "REDIS_URL override (default: REDIS_URL env, else "+driverd.DefaultRedisURL+")")
	prefixFlag := flag.String("prefix", driverd.DefaultKeyPrefix, "status-hash/channel key prefix")
	moduleIDFlag := flag.String("module-id", "", "pin the module_id instead of generating one")
	archiveFlag := flag.String("archive-endpoint", "", "Azure Storage service URL to enable the Durable Archive (optional)")
	connectTimeoutFlag := flag.Duration("connect-timeout", driverd.DefaultConnectTimeout, "Transport connect timeout")

	flag.Usage = printUsage
	flag.Parse()

	if *addrFlag == "" {
		printUsage()
		os.Exit(2)
	}

	opts := []driverd.Option{
		driverd.WithKeyPrefix(*prefixFlag),
		driverd.WithConnectTimeout(*connectTimeoutFlag),
	}
	if *redisFlag != "" {
		opts = append(opts, driverd.WithRedisURL(*redisFlag))
	} else if env := os.Getenv("REDIS_URL"); env != "" {
		opts = append(opts, driverd.WithRedisURL(env))
	}
	if *moduleIDFlag != "" {
		opts = append(opts, driverd.WithModuleID(*moduleIDFlag))
	}
	if *archiveFlag != "" {
		u, err := url.Parse(*archiveFlag)
		if err != nil {
			log.Fatalf("invalid -archive-endpoint: %v", err)
		}
		opts = append(opts, driverd.WithArchiveEndpoint(u))
	}

	cfg := driverd.NewConfig(opts...)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := cfg.NewStore()
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer store.Close()

	archiver, err := cfg.NewArchiver(cfg.Context())
	if err != nil {
		log.Fatalf("archiver: %v", err)
	}

	tokenizer, err := driverd.NewTokenizer(driverd.TokenizerConfig{
		Delimiter:      []byte(*delimFlag),
		MaxMessageSize: cfg.MaxMessageSize(),
	})
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}

	online := driverd.PrepareOnlineFlag()
	base, cap_, jitter := cfg.ReconnectBackoff()
	transport, err := newTransport(*addrFlag, tokenizer, online, base, cap_, jitter)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	module := driverd.NewModule(driverd.ModuleConfig{
		ModuleID:           cfg.ModuleID(),
		Transport:          transport,
		Store:              store,
		Prefix:             cfg.KeyPrefix(),
		Archiver:           archiver,
		DefaultTaskTimeout: driverd.DefaultTaskTimeout,
		DefaultTaskRetries: driverd.DefaultTaskRetries,
		Metrics:            cfg.Metrics(),
		Log:                cfg.Log(),
	}, online)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Connect(ctx, cfg.ConnectTimeout()); err != nil {
		log.Fatalf("connect: %v", err)
	}
	go module.Run(ctx)
	defer module.TransportTerminate()

	fmt.Printf("driverd: connected to %s as module %s\n", *addrFlag, module.ID)
	fmt.Println("type lines and press Enter (Ctrl-D to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		future, err := module.Send(driverd.TaskConfig{
			Name:    "cli-send",
			Payload: []byte(line + *delimFlag),
			ResponseParser: func(data []byte, _ *driverd.Task) driverd.ParseOutcome {
				return driverd.ParseOutcome{Kind: driverd.ParseSuccess, Value: string(data)}
			},
		})
		if err != nil {
			log.Printf("send: %v", err)
			continue
		}
		outcome, err := future.Wait(ctx)
		if err != nil {
			log.Printf("wait: %v", err)
			continue
		}
		if outcome.Kind == driverd.OutcomeSuccess {
			fmt.Printf("< %v\n", outcome.Value)
		} else {
			fmt.Printf("! %v\n", outcome.Err)
		}
	}
}

func newTransport(addr string, tokenizer *driverd.Tokenizer, online *atomic.Bool, base, cap_, jitter time.Duration) (driverd.Transport, error) {
	backoff := driverd.NewReconnectBackoff(base, cap_, jitter)
	scheme := strings.ToLower(strings.SplitN(addr, "://", 2)[0])
	switch scheme {
	case "ws", "wss":
		return driverd.NewWebSocketTransport(driverd.WebSocketTransportConfig{
			Addr:      addr,
			Tokenizer: tokenizer,
			Online:    online,
			Backoff:   backoff,
		}), nil
	default:
		return driverd.NewStreamTransport(driverd.StreamTransportConfig{
			Addr:      addr,
			Tokenizer: tokenizer,
			Online:    online,
			Backoff:   backoff,
		}), nil
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "driverd: connect to a device and exchange framed messages over TCP/TCP+TLS/WebSocket")
	fmt.Fprintln(os.Stderr, "\nUsage:")
	fmt.Fprintln(os.Stderr, "  driverd -addr tcp://host:1234 [flags]")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}
