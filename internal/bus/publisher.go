package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"iiot-gateway/internal/data"
)

// Publisher sends raw readings onto the bus, one subject per machine.
type Publisher struct {
	nc      *nats.Conn
	pattern string
	msgpack bool
}

// NewPublisher publishes JSON payloads, or msgpack when useMsgpack is set.
func NewPublisher(nc *nats.Conn, pattern string, useMsgpack bool) *Publisher {
	if pattern == "" {
		pattern = DefaultSubject
	}
	return &Publisher{nc: nc, pattern: pattern, msgpack: useMsgpack}
}

func (p *Publisher) Publish(r data.RawReading) error {
	msg, err := p.message(r)
	if err != nil {
		return err
	}
	return p.nc.PublishMsg(msg)
}

func (p *Publisher) message(r data.RawReading) (*nats.Msg, error) {
	msg := nats.NewMsg(SubjectFor(p.pattern, r.MachineID))
	var err error
	if p.msgpack {
		msg.Data, err = msgpack.Marshal(r)
		msg.Header.Set(headerContentType, data.ContentTypeMsgpack)
	} else {
		msg.Data, err = json.Marshal(r)
		msg.Header.Set(headerContentType, "application/json")
	}
	if err != nil {
		return nil, fmt.Errorf("encode reading for %s: %w", r.MachineID, err)
	}
	return msg, nil
}
