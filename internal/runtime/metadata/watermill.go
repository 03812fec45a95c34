package metadata

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FromWatermill copies a watermill message's metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies m into a watermill metadata map.
func ToWatermill(m Metadata) message.Metadata {
	return message.Metadata(m.Clone())
}

// FromAMQP flattens delivery headers into strings. RabbitMQ and other
// clients may send counters as integers and text as bytes; nil values are
// dropped.
func FromAMQP(table amqp.Table) Metadata {
	md := make(Metadata, len(table))
	for k, v := range table {
		if s, ok := headerString(v); ok {
			md[k] = s
		}
	}
	return md
}

func headerString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	default:
		return fmt.Sprint(val), true
	}
}

// ToAMQP converts m into publishing headers. Empty metadata yields nil so
// the publishing carries no header table at all.
func ToAMQP(m Metadata) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	table := make(amqp.Table, len(m))
	for k, v := range m {
		table[k] = v
	}
	return table
}
