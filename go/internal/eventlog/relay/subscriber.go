package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamSubscriber serves eventlog.Subscriber from the change stream. Each
// subscription is an ordered ephemeral consumer that starts at new messages.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
	buffer int
}

func NewJetStreamSubscriber(cfg JetStreamConfig) (*JetStreamSubscriber, error) {
	nc, err := nats.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return nil, eventlog.Unreachable("connect to NATS", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := EnsureStream(context.Background(), js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamSubscriber{nc: nc, js: js, config: cfg, buffer: 64}, nil
}

func (s *JetStreamSubscriber) Subscribe(ctx context.Context, code string) (<-chan eventlog.Change, error) {
	if !codePattern.MatchString(code) {
		return nil, fmt.Errorf("session code %q is not a valid subject token", code)
	}

	consumer, err := s.js.OrderedConsumer(ctx, s.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: SessionFilters(s.config.SubjectPrefix, code),
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, eventlog.Unreachable("create ordered consumer", err)
	}

	out := make(chan eventlog.Change, s.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := DecodeEnvelope(msg.Data())
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject()).Msg("skipping malformed change")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- env.Change:
		default:
			log.Warn().
				Str("session_code", code).
				Str("table", string(env.Table)).
				Msg("subscriber buffer full, dropping change")
		}
	})
	if err != nil {
		return nil, eventlog.Unreachable("consume changes", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

// DecodeEnvelope parses a bus message into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal change envelope: %w", err)
	}
	if env.SessionCode == "" {
		return Envelope{}, fmt.Errorf("change envelope has no session code")
	}
	return env, nil
}

func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
