package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utat-ss/test-software/internal/exchange"
)

const (
	stationTTL = 300 * time.Second
	shadowTTL  = 24 * time.Hour
)

// Shadow mirrors the station's presence and link counters in Redis.
//
//	obc:station:<id>  "<transport>:<framing>"      expires after 5 minutes
//	obc:shadow:<id>   hash of counters and last outcome, expires after a day
type Shadow struct {
	redis     *redis.Client
	stationID string
}

// NewShadow creates a shadow writer for stationID.
func NewShadow(client *redis.Client, stationID string) *Shadow {
	return &Shadow{redis: client, stationID: stationID}
}

func (s *Shadow) stationKey() string { return fmt.Sprintf("obc:station:%s", s.stationID) }
func (s *Shadow) shadowKey() string  { return fmt.Sprintf("obc:shadow:%s", s.stationID) }

// Register announces the station.
func (s *Shadow) Register(ctx context.Context, transportKind, framing string) error {
	value := fmt.Sprintf("%s:%s", transportKind, framing)
	if err := s.redis.Set(ctx, s.stationKey(), value, stationTTL).Err(); err != nil {
		return fmt.Errorf("failed to register station: %w", err)
	}
	log.Printf("[Station] Registered %s -> %s", s.stationID, value)
	return nil
}

// UpdateStats refreshes the registration TTL and writes the counters.
func (s *Shadow) UpdateStats(ctx context.Context, stats exchange.EngineStats, lastOutcome string) error {
	pipe := s.redis.TxPipeline()
	pipe.Expire(ctx, s.stationKey(), stationTTL)
	fields := map[string]interface{}{
		"command_id":       int(stats.CommandID),
		"in_flight":        stats.InFlight,
		"exchanges":        stats.Exchanges,
		"exhausted":        stats.Exhausted,
		"rejected":         stats.Rejected,
		"anomalies":        stats.Anomalies,
		"total_uplink":     stats.Loss.TotalUplink,
		"dropped_uplink":   stats.Loss.DroppedUplink,
		"total_downlink":   stats.Loss.TotalDownlink,
		"dropped_downlink": stats.Loss.DroppedDownlink,
		"ts":               time.Now().Unix(),
	}
	if lastOutcome != "" {
		fields["last_outcome"] = lastOutcome
	}
	pipe.HSet(ctx, s.shadowKey(), fields)
	pipe.Expire(ctx, s.shadowKey(), shadowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update shadow: %w", err)
	}
	return nil
}

// Unregister removes the station key.
func (s *Shadow) Unregister(ctx context.Context) error {
	return s.redis.Del(ctx, s.stationKey()).Err()
}
