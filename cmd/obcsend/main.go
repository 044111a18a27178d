// Command obcsend performs a single exchange with the OBC and prints the
// reply.
//
//	obcsend [flags] OPCODE [ARG1 [ARG2]]
//	obcsend -raw 550f55...55
//	obcsend -reset
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/utat-ss/test-software/internal/adapter"
	"github.com/utat-ss/test-software/internal/config"
	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/obcsim"
	"github.com/utat-ss/test-software/internal/protocol"
	"github.com/utat-ss/test-software/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "obcsend: %v\n", err)
		os.Exit(2)
	}

	flag.StringVar(&cfg.Transport.Kind, "transport", cfg.Transport.Kind, "link to the OBC: sim, serial or tcp")
	flag.StringVar(&cfg.Transport.SerialPort, "port", cfg.Transport.SerialPort, "serial port")
	flag.IntVar(&cfg.Transport.Baud, "baud", cfg.Transport.Baud, "serial baud rate")
	flag.StringVar(&cfg.Transport.BridgeAddr, "addr", cfg.Transport.BridgeAddr, "TCP bridge address")
	flag.StringVar(&cfg.Link.Framing, "framing", cfg.Link.Framing, "frame codec: crc32 or legacy")
	flag.StringVar(&cfg.Link.Password, "password", cfg.Link.Password, "4-byte OBC password")
	flag.DurationVar(&cfg.Link.Timeout, "timeout", cfg.Link.Timeout, "per-attempt timeout")
	flag.IntVar(&cfg.Link.MaxAttempts, "attempts", cfg.Link.MaxAttempts, "attempts before giving up")
	flag.BoolVar(&cfg.Link.AwaitResponse, "await", cfg.Link.AwaitResponse, "wait for the response frame after the ACK")
	flag.Float64Var(&cfg.Loss.UplinkDrop, "uplink-drop", cfg.Loss.UplinkDrop, "simulated uplink drop rate")
	flag.Float64Var(&cfg.Loss.DownlinkDrop, "downlink-drop", cfg.Loss.DownlinkDrop, "simulated downlink drop rate")
	raw := flag.String("raw", "", "send hex bytes verbatim instead of a command")
	reset := flag.Bool("reset", false, "reset the OBC command ID")
	verbose := flag.Bool("v", false, "log link activity")
	flag.Parse()

	if err := run(cfg, *raw, *reset, *verbose, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "obcsend: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, raw string, reset, verbose bool, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	link, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	codec, err := adapter.ByName(cfg.Link.Framing)
	if err != nil {
		return err
	}
	loss, err := exchange.NewLossSimulator(cfg.Loss.UplinkDrop, cfg.Loss.DownlinkDrop, nil)
	if err != nil {
		return err
	}
	engine, err := exchange.NewEngine(link, exchange.Config{
		Codec:        codec,
		Password:     []byte(cfg.Link.Password),
		PollInterval: cfg.Link.PollInterval,
		Defaults: exchange.Options{
			Timeout:       cfg.Link.Timeout,
			MaxAttempts:   cfg.Link.MaxAttempts,
			AwaitResponse: exchange.Await(cfg.Link.AwaitResponse),
		},
		Loss:   loss,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	switch {
	case reset:
		if err := engine.ResetCommandID(); err != nil {
			return err
		}
		fmt.Println("command ID reset")
		return nil

	case raw != "":
		frame, err := hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("invalid -raw: %w", err)
		}
		rx, err := engine.SendRaw(ctx, frame, cfg.Link.Timeout)
		if err != nil {
			return err
		}
		fmt.Println(rx)
		return nil
	}

	if len(args) == 0 || len(args) > 3 {
		return errors.New("usage: obcsend [flags] OPCODE [ARG1 [ARG2]]")
	}
	op, err := protocol.ParseOpcode(args[0])
	if err != nil {
		return err
	}
	var argv [2]uint32
	for i, s := range args[1:] {
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		argv[i] = uint32(n)
	}

	start := time.Now()
	res, err := engine.SendAndReceive(ctx, op, argv[0], argv[1], exchange.Options{})
	if err != nil {
		return fmt.Errorf("%s: %w", exchange.OutcomeOf(err), err)
	}

	fmt.Printf("command %d %s: %s (%d attempt(s), %s)\n",
		res.Request.CommandID(), res.Opcode(), res.Reply.Status(), res.Attempts, time.Since(start).Round(time.Millisecond))
	if data := res.Reply.Data(); len(data) > 0 {
		fmt.Printf("data: %s\n", hex.EncodeToString(data))
	}
	if verbose {
		fmt.Fprintln(os.Stderr, loss.Stats())
	}
	return nil
}

func dial(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportSerial:
		return transport.OpenSerial(cfg.Transport.SerialPort, cfg.Transport.Baud, cfg.Transport.ReadTimeout)
	case config.TransportTCP:
		return transport.DialBridge(ctx, cfg.Transport.BridgeAddr, cfg.Transport.ReadTimeout)
	case config.TransportSim:
		ground, far := transport.NewPipe(cfg.Transport.ReadTimeout)
		obc, err := obcsim.New([]byte(cfg.Link.Password), true)
		if err != nil {
			return nil, err
		}
		go obc.Serve(ctx, far)
		return ground, nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}
}
