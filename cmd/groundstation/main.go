package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/utat-ss/test-software/internal/adapter"
	"github.com/utat-ss/test-software/internal/config"
	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/obcsim"
	"github.com/utat-ss/test-software/internal/protocol"
	"github.com/utat-ss/test-software/internal/server"
	"github.com/utat-ss/test-software/internal/store"
	"github.com/utat-ss/test-software/internal/transport"
)

func main() {
	log.Println("[GroundStation] Starting OBC ground station...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[GroundStation] Invalid configuration: %v", err)
	}
	log.Printf("[GroundStation] Configuration loaded: ID=%s, Transport=%s, Framing=%s",
		cfg.StationID, cfg.Transport.Kind, cfg.Link.Framing)

	rootCtx, stopSim := context.WithCancel(context.Background())
	defer stopSim()

	link, err := openTransport(rootCtx, cfg)
	if err != nil {
		log.Fatalf("[GroundStation] Failed to open %s transport: %v", cfg.Transport.Kind, err)
	}
	defer link.Close()

	codec, err := adapter.ByName(cfg.Link.Framing)
	if err != nil {
		log.Fatalf("[GroundStation] %v", err)
	}

	loss, err := exchange.NewLossSimulator(cfg.Loss.UplinkDrop, cfg.Loss.DownlinkDrop, nil)
	if err != nil {
		log.Fatalf("[GroundStation] %v", err)
	}

	// The anomaly hook only fires during exchanges, which the server runs.
	var srv *server.Server
	engine, err := exchange.NewEngine(link, exchange.Config{
		Codec:            codec,
		Password:         []byte(cfg.Link.Password),
		PollInterval:     cfg.Link.PollInterval,
		InFlightCapacity: cfg.Link.InFlightCapacity,
		Defaults: exchange.Options{
			Timeout:       cfg.Link.Timeout,
			MaxAttempts:   cfg.Link.MaxAttempts,
			AwaitResponse: exchange.Await(cfg.Link.AwaitResponse),
		},
		Loss: loss,
		OnAnomaly: func(err error) {
			if srv != nil {
				srv.ReportAnomaly(err)
			}
		},
	})
	if err != nil {
		log.Fatalf("[GroundStation] Failed to create exchange engine: %v", err)
	}

	var deps server.Deps

	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
			DB:   0,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("[GroundStation] Failed to connect to Redis: %v", err)
		}
		log.Println("[GroundStation] Connected to Redis")
		defer redisClient.Close()
		deps.Shadow = store.NewShadow(redisClient, cfg.StationID)
	}

	if cfg.NATSURL != "" {
		natsConn, err := nats.Connect(cfg.NATSURL, nats.Name("groundstation-"+cfg.StationID))
		if err != nil {
			log.Fatalf("[GroundStation] Failed to connect to NATS: %v", err)
		}
		log.Println("[GroundStation] Connected to NATS")
		defer natsConn.Close()
		deps.NATS = natsConn
	}

	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			log.Fatalf("[GroundStation] Failed to connect to database: %v", err)
		}
		history := store.NewHistory(db)
		if err := history.Migrate(); err != nil {
			log.Fatalf("[GroundStation] Failed to migrate database: %v", err)
		}
		log.Println("[GroundStation] Connected to database")
		deps.History = history
	}

	srv = server.New(cfg, engine, deps)
	if err := srv.Start(); err != nil {
		log.Fatalf("[GroundStation] Failed to start server: %v", err)
	}

	log.Println("[GroundStation] Server started successfully")
	log.Printf("[GroundStation] HTTP API on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("[GroundStation] Shutting down...")

	srv.Stop()
	log.Printf("[GroundStation] %s", loss.Stats())
	log.Println("[GroundStation] Server stopped")
}

// openTransport connects to the OBC. The sim transport starts an in-process
// simulated OBC that lives until ctx is cancelled.
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportSerial:
		return transport.OpenSerial(cfg.Transport.SerialPort, cfg.Transport.Baud, cfg.Transport.ReadTimeout)

	case config.TransportTCP:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return transport.DialBridge(dialCtx, cfg.Transport.BridgeAddr, cfg.Transport.ReadTimeout)

	case config.TransportSim:
		ground, far := transport.NewPipe(cfg.Transport.ReadTimeout)
		obc, err := obcsim.New([]byte(cfg.Link.Password), true)
		if err != nil {
			return nil, err
		}
		obc.Handle(protocol.OpGetRTC, func(arg1, arg2 uint32) (protocol.Status, []byte) {
			now := time.Now().UTC()
			return protocol.StatusOK, []byte{
				byte(now.Year() % 100), byte(now.Month()), byte(now.Day()),
				byte(now.Hour()), byte(now.Minute()), byte(now.Second()),
			}
		})
		go func() {
			if err := obc.Serve(ctx, far); err != nil && ctx.Err() == nil {
				log.Printf("[OBC] Simulator stopped: %v", err)
			}
		}()
		log.Println("[GroundStation] Using simulated OBC")
		return ground, nil

	default:
		return nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}
}
