package mq

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// NATSQueue is the clustered MessageQueue backend: a local Bus for in-process
// consumers, mirrored onto NATS subjects so observers on other masters see the
// same stream. Remote messages re-enter the local bus with json.RawMessage
// payloads.
type NATSQueue struct {
	local  *Bus
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	origin string
}

type bridgeEnvelope struct {
	Origin  string          `json:"origin"`
	Key     []string        `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// NewNATSQueue connects to NATS and starts mirroring.
func NewNATSQueue(cfg BridgeConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, ferrors.ConfigError("nats url is required for the nats mq backend").Build()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "forgeci"
	}
	// The origin must be unique per process, not just per configured master
	// name, or a restarted master could drop a live twin's messages.
	cfg.Origin = cfg.Origin + "-" + uuid.NewString()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("forgeci-"+cfg.Origin),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryMQ, "connect to nats").Retryable().Build()
	}

	q := &NATSQueue{
		local:  NewBus(),
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		origin: cfg.Origin,
	}

	sub, err := conn.Subscribe(cfg.SubjectPrefix+".>", q.onRemote)
	if err != nil {
		conn.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryMQ, "subscribe to nats bridge subject").Build()
	}
	q.sub = sub

	slog.Info("mq nats bridge connected", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return q, nil
}

// Produce publishes locally and mirrors to NATS. Bridge failures are logged
// and do not affect local delivery.
func (q *NATSQueue) Produce(key RoutingKey, payload any) {
	q.local.Produce(key, payload)

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("mq bridge: payload not serializable, local-only delivery",
			slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}
	env, err := json.Marshal(bridgeEnvelope{Origin: q.origin, Key: key, Payload: data})
	if err != nil {
		return
	}
	if err := q.conn.Publish(q.subject(key), env); err != nil {
		slog.Warn("mq bridge: publish failed",
			slog.String("key", key.String()), slog.String("error", err.Error()))
	}
}

// StartConsuming registers a consumer on the local bus; it observes both
// locally produced and bridged messages.
func (q *NATSQueue) StartConsuming(filter RoutingKey, fn ConsumerFunc) (*Subscription, error) {
	return q.local.StartConsuming(filter, fn)
}

// Close drains the bridge and stops local delivery.
func (q *NATSQueue) Close() {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	q.conn.Close()
	q.local.Close()
}

func (q *NATSQueue) subject(key RoutingKey) string {
	segments := make([]string, 0, len(key))
	for _, seg := range key {
		// NATS tokens cannot be empty or contain separators.
		seg = strings.NewReplacer(".", "_", " ", "_").Replace(seg)
		if seg == "" {
			seg = "_"
		}
		segments = append(segments, seg)
	}
	return q.prefix + "." + strings.Join(segments, ".")
}

func (q *NATSQueue) onRemote(msg *nats.Msg) {
	var env bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Warn("mq bridge: malformed envelope dropped", slog.String("subject", msg.Subject))
		return
	}
	if env.Origin == q.origin {
		// Our own mirror coming back; local consumers already saw it.
		return
	}
	q.local.Produce(RoutingKey(env.Key), env.Payload)
}
