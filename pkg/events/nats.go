package events

import (
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ppv/pkg/vault"
)

// DefaultSubjectPrefix is the root of the record subjects.
const DefaultSubjectPrefix = "ppv"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each record on <prefix>.<vault>.<kind>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger log.Logger
}

// NewNATSPublisher publishes through conn.
func NewNATSPublisher(conn Conn, prefix string, logger log.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
}

// Subject returns the subject a record is published on.
func (p *NATSPublisher) Subject(r vault.Record) string {
	return p.prefix + "." + r.Vault + "." + string(r.Kind)
}

// Publish implements vault.Sink. Failures are logged; the record has already
// been committed.
func (p *NATSPublisher) Publish(r vault.Record) {
	data, err := Encode(r)
	if err != nil {
		p.logger.Error("encode record", "vault", r.Vault, "kind", string(r.Kind), "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(r), data); err != nil {
		p.logger.Warn("publish record", "subject", p.Subject(r), "error", err)
	}
}
