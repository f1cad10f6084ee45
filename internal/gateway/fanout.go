package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/observability"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const publishTimeout = 2 * time.Second

// FanoutOptions selects the transports that relay push frames between nodes.
type FanoutOptions struct {
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
}

type envelope struct {
	Source  string         `json:"source"`
	Scope   string         `json:"scope"`
	Targets []string       `json:"targets,omitempty"`
	Except  string         `json:"except,omitempty"`
	Frame   protocol.Frame `json:"frame"`
	SentAt  time.Time      `json:"sent_at"`
}

type fanout struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	deliver      func(envelope)
	logger       zerolog.Logger
}

func newFanout(opts FanoutOptions, deliver func(envelope), logger zerolog.Logger) *fanout {
	f := &fanout{
		nodeID:  uuid.NewString(),
		deliver: deliver,
		logger:  logger.With().Str("component", "gateway_fanout").Logger(),
	}
	if opts.ChannelBase == "" {
		return f
	}
	if opts.Redis != nil {
		f.redis = opts.Redis
		f.redisChannel = opts.ChannelBase + ":gateway"
	}
	if opts.NATS != nil {
		f.nats = opts.NATS
		f.natsSubject = strings.ReplaceAll(opts.ChannelBase, ":", ".") + ".gateway"
	}
	return f
}

func (f *fanout) start(ctx context.Context) {
	if f.redis != nil {
		go f.consumeRedis(ctx)
	}
	if f.nats != nil {
		go f.consumeNATS(ctx)
	}
}

func (f *fanout) publish(env envelope) {
	if f.redis == nil && f.nats == nil {
		return
	}

	env.Source = f.nodeID
	env.SentAt = time.Now().UTC()
	payload, err := json.Marshal(env)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to encode fan-out envelope")
		return
	}

	if f.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := f.redis.Publish(ctx, f.redisChannel, payload).Err()
		cancel()
		if err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish frame to redis")
		} else {
			observability.FanoutEvents().WithLabelValues("redis", "out").Inc()
		}
	}

	if f.nats != nil {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish frame to nats")
		} else {
			observability.FanoutEvents().WithLabelValues("nats", "out").Inc()
		}
	}
}

func (f *fanout) consumeRedis(ctx context.Context) {
	pubsub := f.redis.Subscribe(ctx, f.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			f.logger.Error().Err(err).Msg("gateway redis subscription closed")
			return
		}
		f.handle("redis", []byte(msg.Payload))
	}
}

// consumeNATS subscribes without a queue group: every node must see every frame.
func (f *fanout) consumeNATS(ctx context.Context) {
	sub, err := f.nats.Subscribe(f.natsSubject, func(msg *nats.Msg) {
		f.handle("nats", msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to gateway nats subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain gateway nats subscription")
		}
	}()
}

func (f *fanout) handle(transport string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn().Err(err).Str("transport", transport).Msg("invalid fan-out envelope")
		return
	}
	if env.Source == f.nodeID {
		return
	}
	observability.FanoutEvents().WithLabelValues(transport, "in").Inc()
	f.deliver(env)
}
