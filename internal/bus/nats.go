package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsSubjectPrefix = "sync."

// NATSRelay fans events out between instances over core NATS subjects.
type NATSRelay struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// DialNATS connects to url with reconnects enabled forever.
func DialNATS(url, name string, logger *zap.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSRelay{nc: nc, logger: logger.Named("nats-relay")}, nil
}

func (r *NATSRelay) Forward(_ context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(natsSubject(ev.Topic), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Topic, err)
	}
	return nil
}

func (r *NATSRelay) Listen(ctx context.Context, fn func(Event)) error {
	ch := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(natsSubjectPrefix+">", ch)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			ev, err := decode(msg.Data)
			if err != nil {
				r.logger.Warn("discarding undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

// Close drains pending publishes and closes the connection.
func (r *NATSRelay) Close() error {
	return r.nc.Drain()
}

func natsSubject(topic string) string {
	return natsSubjectPrefix + topic
}
