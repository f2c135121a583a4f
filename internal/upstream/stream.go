package upstream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamDialTimeout        = 30 * time.Second
	streamBaseReconnectDelay = 2 * time.Second
	streamMaxReconnectDelay  = 1 * time.Minute
)

// Quote is one tick delivered over the real-time stream, the Process
// Cache's hot path consumes to keep PriceMeta fresh between HTTP polls.
type Quote struct {
	Symbol string
	Price  float64
	AsOf   time.Time
}

// QuoteStream maintains a reconnecting websocket subscription to a set of
// symbols. Grounded on the teacher's MarketStatusWebSocket: a dial loop
// with exponential backoff (calculateBackoff), a stop channel, and a
// mutex-guarded connection handle, generalized here from market-status
// frames to per-symbol quote ticks.
type QuoteStream struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	stopped  bool
}

// NewQuoteStream constructs a QuoteStream against url (e.g. the quote
// vendor's websocket endpoint).
func NewQuoteStream(url string, log zerolog.Logger) *QuoteStream {
	return &QuoteStream{
		url:      url,
		log:      log.With().Str("component", "quote_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

type subscribeFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type tickFrame struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// StreamQuotes is the real-time quote leg: it dials, subscribes
// to symbols, and emits ticks on the returned channel until ctx is
// cancelled or Stop is called. Reconnects transparently on drop.
func (s *QuoteStream) StreamQuotes(ctx context.Context, symbols []string) (<-chan Quote, error) {
	out := make(chan Quote, 64)

	if err := s.connect(ctx, symbols); err != nil {
		s.log.Warn().Err(err).Msg("initial quote stream dial failed, will retry in background")
	}

	go s.runLoop(ctx, symbols, out)
	return out, nil
}

func (s *QuoteStream) runLoop(ctx context.Context, symbols []string, out chan<- Quote) {
	defer close(out)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.closeConn(websocket.StatusNormalClosure, "context cancelled")
			return
		case <-s.stopChan:
			s.closeConn(websocket.StatusNormalClosure, "stopped")
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			attempt++
			delay := s.calculateBackoff(attempt)
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting quote stream")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
			if err := s.connect(ctx, symbols); err != nil {
				s.log.Warn().Err(err).Msg("quote stream reconnect failed")
				continue
			}
			attempt = 0
			continue
		}

		var frame tickFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.log.Warn().Err(err).Msg("quote stream read failed, will reconnect")
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			continue
		}

		select {
		case out <- Quote{Symbol: frame.Symbol, Price: frame.Price, AsOf: time.Unix(frame.Timestamp, 0).UTC()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *QuoteStream) connect(ctx context.Context, symbols []string) error {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial quote stream: %w", err)
	}

	if err := wsjson.Write(ctx, conn, subscribeFrame{Action: "subscribe", Symbols: symbols}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("subscribe to quote stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *QuoteStream) calculateBackoff(attempt int) time.Duration {
	delay := float64(streamBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(streamMaxReconnectDelay) {
		delay = float64(streamMaxReconnectDelay)
	}
	return time.Duration(delay)
}

func (s *QuoteStream) closeConn(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close(code, reason)
		s.conn = nil
	}
}

// Stop terminates the stream's reconnect loop.
func (s *QuoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopChan)
}
