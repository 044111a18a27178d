package exchange

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utat-ss/test-software/internal/adapter"
	"github.com/utat-ss/test-software/internal/protocol"
)

// scriptedLink is a Transport whose replies are computed from each write.
type scriptedLink struct {
	mu      sync.Mutex
	codec   protocol.FrameCodec
	written [][]byte
	inbox   []byte
	flushes int
	reply   func(tx *protocol.TXPacket) [][]byte
}

func newScriptedLink(reply func(tx *protocol.TXPacket) [][]byte) *scriptedLink {
	return &scriptedLink{codec: adapter.NewOBCAdapter(), reply: reply}
}

func (l *scriptedLink) ReadAvailable(max int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := min(max, len(l.inbox))
	out := l.inbox[:n]
	l.inbox = l.inbox[n:]
	return out, nil
}

func (l *scriptedLink) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, append([]byte(nil), p...))
	if l.reply == nil {
		return nil
	}
	tx, err := protocol.ParseTXPacket(l.codec, p)
	if err != nil {
		return nil
	}
	for _, r := range l.reply(tx) {
		l.inbox = append(l.inbox, r...)
	}
	return nil
}

func (l *scriptedLink) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbox = nil
	l.flushes++
	return nil
}

func (l *scriptedLink) Close() error { return nil }

func (l *scriptedLink) writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.written)
}

func replyFrame(id protocol.CommandID, isResponse bool, status protocol.Status, data []byte) []byte {
	return encodeFrame(adapter.NewOBCAdapter(), protocol.NewRXPacket(id, isResponse, status, data).Payload())
}

// scriptedSource yields the given uniform draws, then never-drop values.
type scriptedSource struct {
	draws []float64
}

func (s *scriptedSource) Int63() int64 {
	v := 0.99
	if len(s.draws) > 0 {
		v, s.draws = s.draws[0], s.draws[1:]
	}
	return int64(v * (1 << 63))
}

func (s *scriptedSource) Seed(int64) {}

func encodeFrame(codec protocol.FrameCodec, payload []byte) []byte {
	frame, err := codec.Encode(payload)
	if err != nil {
		panic(err)
	}
	return frame
}

func ackWith(status protocol.Status) func(tx *protocol.TXPacket) [][]byte {
	return func(tx *protocol.TXPacket) [][]byte {
		return [][]byte{replyFrame(tx.CommandID(), false, status, nil)}
	}
}

func newTestEngine(t *testing.T, link *scriptedLink, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Codec:        adapter.NewOBCAdapter(),
		Password:     []byte("P455"),
		PollInterval: time.Millisecond,
		Defaults:     Options{Timeout: 30 * time.Millisecond, MaxAttempts: 3},
		Logger:       log.New(io.Discard, "", 0),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(link, cfg)
	require.NoError(t, err)
	return e
}

func TestSendAndReceivePing(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusOK))
	e := newTestEngine(t, link)

	res, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{})
	require.NoError(t, err)

	require.Len(t, link.written, 1)
	assert.Equal(t, "550f5500010000000000000000005034353555e3b3896255", hex.EncodeToString(link.written[0]))
	assert.Equal(t, 1, link.flushes)

	assert.Equal(t, protocol.OpPingOBC, res.Opcode())
	assert.Equal(t, protocol.CommandID(1), res.Reply.CommandID())
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.Ack)
	assert.Equal(t, protocol.CommandID(2), e.CommandID())
}

func TestReplyResolvesOpcodeThroughInFlightTable(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusOK))
	e := newTestEngine(t, link)

	for _, op := range []protocol.Opcode{protocol.OpGetRTC, protocol.OpReadDataBlock, protocol.Opcode(0x7A)} {
		res, err := e.SendAndReceive(context.Background(), op, 11, 22, Options{})
		require.NoError(t, err)

		// The reply payload is id + status only
		assert.Len(t, res.Reply.Payload(), protocol.RXHeaderSize)
		assert.Equal(t, op, res.Request.Opcode())
		assert.Equal(t, uint32(11), res.Request.Arg1())
		assert.Equal(t, uint32(22), res.Request.Arg2())
		assert.Equal(t, res.Reply.CommandID(), res.Request.CommandID())
	}
}

func TestExhaustedAdvancesCounterOnce(t *testing.T) {
	link := newScriptedLink(nil)
	e := newTestEngine(t, link)

	_, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 3})
	require.ErrorIs(t, err, ErrExhausted)

	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 3, xerr.Attempts)
	assert.Equal(t, protocol.CommandID(1), xerr.CommandID)

	assert.Equal(t, 3, link.writes())
	assert.Equal(t, 3, link.flushes)
	assert.Equal(t, protocol.CommandID(2), e.CommandID())

	// Every attempt resent the same command ID
	for _, w := range link.written {
		assert.Equal(t, link.written[0], w)
	}
	assert.Equal(t, uint64(1), e.Stats().Exhausted)
}

func TestNegativeAckShortCircuits(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusInvalidPassword))
	e := newTestEngine(t, link)

	_, err := e.SendAndReceive(context.Background(), protocol.OpEraseAllMem, 0, 0, Options{MaxAttempts: 5})
	require.ErrorIs(t, err, ErrNegativeAck)
	assert.NotErrorIs(t, err, ErrExhausted)

	var nack *NegativeAckError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, protocol.StatusInvalidPassword, nack.Status)
	assert.Equal(t, protocol.OpEraseAllMem, nack.Opcode)

	assert.Equal(t, 1, link.writes())
	assert.Equal(t, protocol.CommandID(2), e.CommandID())
	assert.Equal(t, uint64(1), e.Stats().Rejected)
}

func TestChecksumMismatchAbortsExchange(t *testing.T) {
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		f := replyFrame(tx.CommandID(), false, protocol.StatusOK, nil)
		f[len(f)-2] ^= 0x01
		return [][]byte{f}
	})
	e := newTestEngine(t, link)

	_, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 3})
	require.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	assert.Equal(t, 1, link.writes())
	assert.Equal(t, protocol.CommandID(2), e.CommandID())
	assert.Equal(t, uint64(1), e.Stats().Corruption)
}

func TestUnrecognizedCommandIDIsReportedNotFatal(t *testing.T) {
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		return [][]byte{
			replyFrame(999, false, protocol.StatusOK, nil),
			replyFrame(tx.CommandID(), false, protocol.StatusOK, nil),
		}
	})

	var anomalies []error
	e := newTestEngine(t, link, func(c *Config) {
		c.OnAnomaly = func(err error) { anomalies = append(anomalies, err) }
	})

	res, err := e.SendAndReceive(context.Background(), protocol.OpGetRTC, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, protocol.OpGetRTC, res.Opcode())

	require.Len(t, anomalies, 1)
	assert.ErrorIs(t, anomalies[0], ErrUnrecognizedCommandID)
	assert.Equal(t, uint64(1), e.Stats().Anomalies)
}

func TestLateReplyToEarlierCommandIsIgnored(t *testing.T) {
	var calls int
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		calls++
		if calls == 1 {
			return nil
		}
		return [][]byte{
			replyFrame(1, false, protocol.StatusOK, nil),
			replyFrame(tx.CommandID(), false, protocol.StatusOK, []byte{0x42}),
		}
	})

	var anomalies int
	e := newTestEngine(t, link, func(c *Config) {
		c.OnAnomaly = func(error) { anomalies++ }
	})

	_, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 1})
	require.ErrorIs(t, err, ErrExhausted)

	res, err := e.SendAndReceive(context.Background(), protocol.OpGetRTC, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandID(2), res.Reply.CommandID())
	assert.Equal(t, []byte{0x42}, res.Reply.Data())
	assert.Equal(t, protocol.OpGetRTC, res.Opcode())
	assert.Zero(t, anomalies)
}

func TestNoiseAndTruncatedRepliesAreSkipped(t *testing.T) {
	codec := adapter.NewOBCAdapter()
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		return [][]byte{
			{0x13, 0x37, 0x55, 0x02, 0x55, 0x00},
			encodeFrame(codec, []byte{0x00}),
			replyFrame(tx.CommandID(), false, protocol.StatusOK, nil),
		}
	})
	e := newTestEngine(t, link)

	res, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Positive(t, e.Stats().Resyncs)
}

func TestRetryRecoversFromSilence(t *testing.T) {
	var calls int
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		calls++
		if calls < 3 {
			return nil
		}
		return [][]byte{replyFrame(tx.CommandID(), false, protocol.StatusOK, nil)}
	})
	e := newTestEngine(t, link)

	res, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, protocol.CommandID(2), e.CommandID())
}

func TestCommandIDMonotonicity(t *testing.T) {
	var calls int
	link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
		calls++
		if calls%2 == 0 {
			return nil
		}
		return [][]byte{replyFrame(tx.CommandID(), false, protocol.StatusOK, nil)}
	})
	e := newTestEngine(t, link)

	const n = 8
	for i := 0; i < n; i++ {
		e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 1})
	}
	assert.Equal(t, protocol.CommandID(1+n), e.CommandID())

	// ID 0 is reserved for reset requests and is skipped on wrap
	e.counter = protocol.MaxCommandID
	e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 1})
	assert.Equal(t, protocol.CommandID(1), e.CommandID())
}

func TestWrappedCounterNeverSendsResetID(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusOK))
	e := newTestEngine(t, link)
	e.counter = protocol.MaxCommandID

	_, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{})
	require.NoError(t, err)
	res, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{})
	require.NoError(t, err)

	assert.Equal(t, protocol.CommandID(1), res.Request.CommandID())
	require.Len(t, link.written, 2)
	tx, err := protocol.ParseTXPacket(adapter.NewOBCAdapter(), link.written[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandID(1), tx.CommandID())
}

func TestAwaitResponse(t *testing.T) {
	t.Run("ack then response", func(t *testing.T) {
		link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
			return [][]byte{
				replyFrame(tx.CommandID(), false, protocol.StatusOK, nil),
				replyFrame(tx.CommandID(), true, protocol.StatusOK, []byte{0x20, 0x10, 0x05}),
			}
		})
		e := newTestEngine(t, link)

		res, err := e.SendAndReceive(context.Background(), protocol.OpGetRTC, 0, 0, Options{AwaitResponse: Await(true)})
		require.NoError(t, err)
		require.NotNil(t, res.Ack)
		assert.False(t, res.Ack.IsResponse())
		assert.True(t, res.Reply.IsResponse())
		assert.Equal(t, []byte{0x20, 0x10, 0x05}, res.Reply.Data())
	})

	t.Run("per-call setting overrides engine default", func(t *testing.T) {
		link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
			return [][]byte{
				replyFrame(tx.CommandID(), false, protocol.StatusOK, nil),
				replyFrame(tx.CommandID(), true, protocol.StatusOK, []byte{0x01}),
			}
		})
		e := newTestEngine(t, link, func(c *Config) { c.Defaults.AwaitResponse = Await(true) })

		res, err := e.SendAndReceive(context.Background(), protocol.OpGetRTC, 0, 0, Options{AwaitResponse: Await(false)})
		require.NoError(t, err)
		assert.Nil(t, res.Ack)
		assert.False(t, res.Reply.IsResponse())

		res, err = e.SendAndReceive(context.Background(), protocol.OpGetRTC, 0, 0, Options{})
		require.NoError(t, err)
		require.NotNil(t, res.Ack)
		assert.True(t, res.Reply.IsResponse())
	})

	t.Run("dropped response after ack is not resent", func(t *testing.T) {
		link := newScriptedLink(func(tx *protocol.TXPacket) [][]byte {
			return [][]byte{
				replyFrame(tx.CommandID(), false, protocol.StatusOK, nil),
				replyFrame(tx.CommandID(), true, protocol.StatusOK, nil),
			}
		})
		// Keep the ACK, drop the response
		loss, err := NewLossSimulator(0, 0.5, rand.New(&scriptedSource{draws: []float64{0.9, 0.1}}))
		require.NoError(t, err)
		e := newTestEngine(t, link, func(c *Config) { c.Loss = loss })

		_, err = e.SendAndReceive(context.Background(), protocol.OpEraseAllMem, 0, 0,
			Options{AwaitResponse: Await(true), MaxAttempts: 3, Timeout: 50 * time.Millisecond})
		require.ErrorIs(t, err, ErrNoResponse)
		assert.Equal(t, 1, link.writes())
		assert.Equal(t, uint64(1), loss.Stats().DroppedDownlink)
		assert.Equal(t, protocol.CommandID(2), e.CommandID())
	})

	t.Run("ack without response is not resent", func(t *testing.T) {
		link := newScriptedLink(ackWith(protocol.StatusOK))
		e := newTestEngine(t, link)

		_, err := e.SendAndReceive(context.Background(), protocol.OpEraseAllMem, 0, 0, Options{AwaitResponse: Await(true), MaxAttempts: 3})
		require.ErrorIs(t, err, ErrNoResponse)
		assert.Equal(t, 1, link.writes())
		assert.Equal(t, protocol.CommandID(2), e.CommandID())
	})
}

func TestUplinkDropsStillTrackPacket(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusOK))
	loss, err := NewLossSimulator(1, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	e := newTestEngine(t, link, func(c *Config) { c.Loss = loss })

	_, err = e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 3})
	require.ErrorIs(t, err, ErrExhausted)

	assert.Zero(t, link.writes())
	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Loss.TotalUplink)
	assert.Equal(t, uint64(3), stats.Loss.DroppedUplink)
	assert.Equal(t, 1, stats.InFlight)
}

func TestDownlinkDropsCountAsSilence(t *testing.T) {
	link := newScriptedLink(ackWith(protocol.StatusOK))
	loss, err := NewLossSimulator(0, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	e := newTestEngine(t, link, func(c *Config) { c.Loss = loss })

	_, err = e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{MaxAttempts: 3})
	require.ErrorIs(t, err, ErrExhausted)

	assert.Equal(t, 3, link.writes())
	stats := e.Stats().Loss
	assert.Equal(t, uint64(3), stats.TotalDownlink)
	assert.Equal(t, uint64(3), stats.DroppedDownlink)
	assert.Equal(t, uint64(3), stats.TotalUplink)
	assert.Zero(t, stats.DroppedUplink)
}

func TestResetCommandID(t *testing.T) {
	link := newScriptedLink(nil)
	e := newTestEngine(t, link)
	e.counter = 42

	require.NoError(t, e.ResetCommandID())

	require.Len(t, link.written, 1)
	tx, err := protocol.ParseTXPacket(adapter.NewOBCAdapter(), link.written[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.ResetCommandID, tx.CommandID())
	assert.Equal(t, protocol.CommandID(1), e.CommandID())
}

func TestPasswordPreconditions(t *testing.T) {
	link := newScriptedLink(nil)

	_, err := NewEngine(link, Config{Codec: adapter.NewOBCAdapter(), Password: []byte("toolong")})
	assert.ErrorIs(t, err, protocol.ErrPrecondition)

	e := newTestEngine(t, link)
	assert.ErrorIs(t, e.SetPassword([]byte("abc")), protocol.ErrPrecondition)
	assert.Zero(t, link.writes())

	require.NoError(t, e.SetPassword([]byte("w0rd")))
	link.reply = ackWith(protocol.StatusOK)
	res, err := e.SendAndReceive(context.Background(), protocol.OpPingOBC, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("w0rd"), res.Request.Password())
}

func TestSendRaw(t *testing.T) {
	link := newScriptedLink(nil)
	e := newTestEngine(t, link)

	reply := replyFrame(7, false, protocol.StatusOK, nil)

	raw := []byte{0xDE, 0xAD}
	go func() {
		time.Sleep(5 * time.Millisecond)
		link.mu.Lock()
		link.inbox = append(link.inbox, reply...)
		link.mu.Unlock()
	}()

	rx, err := e.SendRaw(context.Background(), raw, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandID(7), rx.CommandID())
	assert.Equal(t, raw, link.written[0])
	assert.Equal(t, protocol.CommandID(1), e.CommandID())

	_, err = e.SendRaw(context.Background(), raw, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestContextCancellation(t *testing.T) {
	link := newScriptedLink(nil)
	e := newTestEngine(t, link)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SendAndReceive(ctx, protocol.OpPingOBC, 0, 0, Options{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, protocol.CommandID(2), e.CommandID())
}
