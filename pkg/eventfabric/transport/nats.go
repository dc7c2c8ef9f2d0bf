package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
)

// DefaultSubjectPrefix is the subject namespace used when none is configured.
const DefaultSubjectPrefix = "eventfabric"

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	// URL of the NATS server.
	// Default: nats.DefaultURL
	URL string

	// SubjectPrefix namespaces every subject, so several grids can share a
	// server.
	// Default: "eventfabric"
	SubjectPrefix string

	// Name is the client connection name reported to the server.
	Name string

	// ConnectRetry controls retries of the initial connection.
	// Default: errors.ConnectRetry
	ConnectRetry *ferrors.RetryConfig

	// ReconnectWait is the delay between reconnect attempts once connected.
	// Default: 1 second
	ReconnectWait time.Duration

	// RequestTimeout bounds requests whose context has no deadline.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// HandlerTimeout bounds the handling of one served request.
	// Default: 30 seconds
	HandlerTimeout time.Duration

	// Logger receives connection and serving problems. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Options are extra nats.Option values applied after the defaults.
	Options []nats.Option
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.ConnectRetry == nil {
		r := ferrors.ConnectRetry
		c.ConnectRetry = &r
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NATS is a Transport over a NATS connection.
//
// Subjects, relative to the prefix:
//
//	query.<node>      request/reply, QueryRequest -> records
//	sub.<node>        request/reply, SubscribeRequest -> ack
//	unsub.<node>      request/reply, unsubscribe -> ack
//	deliver.<origin>  publish, forwarded records
//	announce          publish, membership announcements
type NATS struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool

	closeOnce sync.Once
}

// Compile-time interface check.
var _ Transport = (*NATS)(nil)

// DialNATS connects to the configured server, retrying transient failures
// with ConnectRetry.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	cfg.applyDefaults()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	opts = append(opts, cfg.Options...)

	res := ferrors.WithRetryContext(ctx, *cfg.ConnectRetry, func(context.Context) (*nats.Conn, error) {
		return nats.Connect(cfg.URL, opts...)
	})
	if res.Err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, res.Err)
	}
	if res.Attempts > 1 {
		cfg.Logger.Info("nats connected after retries", slog.Int("attempts", res.Attempts))
	}
	return &NATS{conn: res.Value, config: cfg, owned: true}, nil
}

// NewNATS wraps an existing connection. Close does not close conn.
func NewNATS(conn *nats.Conn, cfg NATSConfig) *NATS {
	cfg.applyDefaults()
	return &NATS{conn: conn, config: cfg}
}

// Conn returns the underlying connection.
func (t *NATS) Conn() *nats.Conn {
	return t.conn
}

// Close drains and closes the connection if DialNATS opened it.
func (t *NATS) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.owned {
			err = t.conn.Drain()
			if err != nil {
				t.conn.Close()
			}
		}
	})
	return err
}

func (t *NATS) subject(kind string, node string) string {
	if node == "" {
		return t.config.SubjectPrefix + "." + kind
	}
	return t.config.SubjectPrefix + "." + kind + "." + node
}

// Serve implements Transport.
func (t *NATS) Serve(nodeID string, h Handler) (func(), error) {
	var subs []*nats.Subscription
	unsubscribeAll := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}

	routes := []struct {
		kind string
		fn   nats.MsgHandler
	}{
		{"query", func(m *nats.Msg) { t.serveQuery(nodeID, h, m) }},
		{"sub", func(m *nats.Msg) { t.serveSubscribe(h, m) }},
		{"unsub", func(m *nats.Msg) { t.serveUnsubscribe(h, m) }},
		{"deliver", func(m *nats.Msg) { t.serveDelivery(h, m) }},
	}
	for _, r := range routes {
		s, err := t.conn.Subscribe(t.subject(r.kind, nodeID), r.fn)
		if err != nil {
			unsubscribeAll()
			return nil, &Error{NodeID: nodeID, Op: "serve", Err: err}
		}
		subs = append(subs, s)
	}
	// Flush so the subscriptions are registered on the server before
	// anyone learns about this node.
	if err := t.conn.Flush(); err != nil {
		unsubscribeAll()
		return nil, &Error{NodeID: nodeID, Op: "serve", Err: err}
	}

	var once sync.Once
	return func() { once.Do(unsubscribeAll) }, nil
}

func (t *NATS) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.config.HandlerTimeout)
}

func (t *NATS) respond(m *nats.Msg, v any) {
	data, err := encode(v)
	if err == nil {
		err = m.Respond(data)
	}
	if err != nil {
		t.config.Logger.Warn("nats respond failed",
			slog.String("subject", m.Subject),
			slog.String("error", err.Error()))
	}
}

func (t *NATS) serveQuery(nodeID string, h Handler, m *nats.Msg) {
	resp := queryResponse{NodeID: nodeID}
	req, err := decode[QueryRequest]("query request", m.Data)
	if err == nil {
		ctx, cancel := t.handlerContext()
		resp.Records, err = h.HandleQuery(ctx, req)
		cancel()
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Records = nil
	}
	t.respond(m, resp)
}

func (t *NATS) serveSubscribe(h Handler, m *nats.Msg) {
	req, err := decode[SubscribeRequest]("subscribe request", m.Data)
	if err == nil {
		ctx, cancel := t.handlerContext()
		err = h.HandleSubscribe(ctx, req)
		cancel()
	}
	t.respond(m, ack(err))
}

func (t *NATS) serveUnsubscribe(h Handler, m *nats.Msg) {
	req, err := decode[unsubscribeRequest]("unsubscribe request", m.Data)
	if err == nil {
		ctx, cancel := t.handlerContext()
		err = h.HandleUnsubscribe(ctx, req.Origin, req.SubscriptionID)
		cancel()
	}
	t.respond(m, ack(err))
}

func (t *NATS) serveDelivery(h Handler, m *nats.Msg) {
	d, err := decode[delivery]("delivery", m.Data)
	if err != nil {
		t.config.Logger.Warn("dropping undecodable delivery", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := t.handlerContext()
	defer cancel()
	h.HandleDelivery(ctx, d.SubscriptionID, d.Record)
}

// request sends v to subject and returns the raw reply.
func (t *NATS) request(ctx context.Context, nodeID, op, subject string, v any) ([]byte, error) {
	data, err := encode(v)
	if err != nil {
		return nil, &Error{NodeID: nodeID, Op: op, Err: err}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.RequestTimeout)
		defer cancel()
	}
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, &Error{NodeID: nodeID, Op: op, Err: err}
	}
	return msg.Data, nil
}

// Query implements Transport.
func (t *NATS) Query(ctx context.Context, nodeID string, req *QueryRequest) ([]event.Record, error) {
	data, err := t.request(ctx, nodeID, "query", t.subject("query", nodeID), req)
	if err != nil {
		return nil, err
	}
	resp, err := decode[queryResponse]("query response", data)
	if err != nil {
		return nil, wrap(nodeID, "query", err)
	}
	if resp.Error != "" {
		return nil, &Error{NodeID: nodeID, Op: "query", Err: &RemoteError{Message: resp.Error}}
	}
	return resp.Records, nil
}

func (t *NATS) ackRequest(ctx context.Context, nodeID, op string, v any) error {
	data, err := t.request(ctx, nodeID, op, t.subject(op, nodeID), v)
	if err != nil {
		return err
	}
	resp, err := decode[ackResponse](op+" response", data)
	if err != nil {
		return wrap(nodeID, op, err)
	}
	if resp.Error != "" {
		return &Error{NodeID: nodeID, Op: op, Err: &RemoteError{Message: resp.Error}}
	}
	return nil
}

// Subscribe implements Transport.
func (t *NATS) Subscribe(ctx context.Context, nodeID string, req *SubscribeRequest) error {
	return t.ackRequest(ctx, nodeID, "sub", req)
}

// Unsubscribe implements Transport.
func (t *NATS) Unsubscribe(ctx context.Context, nodeID, origin, subscriptionID string) error {
	return t.ackRequest(ctx, nodeID, "unsub", unsubscribeRequest{Origin: origin, SubscriptionID: subscriptionID})
}

// Deliver implements Transport.
func (t *NATS) Deliver(_ context.Context, originID, subscriptionID string, rec event.Record) error {
	data, err := encode(delivery{SubscriptionID: subscriptionID, Record: rec})
	if err != nil {
		return &Error{NodeID: originID, Op: "deliver", Err: err}
	}
	return wrap(originID, "deliver", t.conn.Publish(t.subject("deliver", originID), data))
}

// Announce implements Transport.
func (t *NATS) Announce(_ context.Context, a Announcement) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject("announce", ""), data); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Watch implements Transport.
func (t *NATS) Watch(fn func(Announcement)) (func(), error) {
	sub, err := t.conn.Subscribe(t.subject("announce", ""), func(m *nats.Msg) {
		a, err := decode[Announcement]("announcement", m.Data)
		if err != nil {
			t.config.Logger.Warn("dropping undecodable announcement", slog.String("error", err.Error()))
			return
		}
		fn(*a)
	})
	if err != nil {
		return nil, fmt.Errorf("watching announcements: %w", err)
	}
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	var once sync.Once
	return func() { once.Do(func() { _ = sub.Unsubscribe() }) }, nil
}
