package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	appws "signal_trader/pkg/websocket"
)

// eventStream maintains the execution-report websocket. Reconnection is
// handled by the underlying client; this layer only decodes frames and
// filters for trade updates.
type eventStream struct {
	cfg    config.BrokerConfig
	logger core.ILogger

	mu            sync.Mutex
	ws            *appws.Client
	callback      func(*core.BrokerEvent)
	reconnectWait time.Duration
}

func newEventStream(cfg config.BrokerConfig, logger core.ILogger) *eventStream {
	return &eventStream{cfg: cfg, logger: logger.WithField("component", "broker_stream")}
}

// streamFrame is the wire envelope for stream messages
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *eventStream) start(ctx context.Context, callback func(*core.BrokerEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil {
		return nil
	}
	s.callback = callback

	ws := appws.NewClient(s.cfg.StreamURL, s.onMessage, s.logger)
	header := http.Header{}
	header.Set("APCA-API-KEY-ID", s.cfg.APIKey.Value())
	header.Set("APCA-API-SECRET-KEY", s.cfg.SecretKey.Value())
	ws.SetHeader(header)
	ws.SetPingConfig(30*time.Second, 10*time.Second, 60*time.Second)
	if s.reconnectWait > 0 {
		ws.SetReconnectWait(s.reconnectWait)
	}
	ws.SetOnConnected(func() {
		// Re-subscribe on every (re)connect.
		if err := ws.Send(map[string]any{
			"action": "listen",
			"data":   map[string]any{"streams": []string{"trade_updates"}},
		}); err != nil {
			s.logger.Error("Failed to subscribe to trade updates", "error", err)
		}
	})

	s.ws = ws
	ws.Start()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("Broker event stream started", "url", s.cfg.StreamURL)
	return nil
}

func (s *eventStream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil {
		s.ws.Stop()
		s.ws = nil
	}
}

func (s *eventStream) onMessage(message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Warn("Undecodable stream frame", "error", err)
		return
	}
	if frame.Stream != "trade_updates" {
		return
	}

	var ev core.BrokerEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		s.logger.Warn("Undecodable trade update", "error", err)
		return
	}
	ev.Raw = frame.Data

	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(&ev)
	}
}
