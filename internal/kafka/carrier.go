package kafka

import segkafka "github.com/segmentio/kafka-go"

// traceHeaders lets the OpenTelemetry propagator read and write W3C trace
// context on job and outcome messages. It satisfies
// propagation.TextMapCarrier over kafka-go's header slice.
type traceHeaders []segkafka.Header

func (t traceHeaders) Get(key string) string {
	for i := range t {
		if t[i].Key == key {
			return string(t[i].Value)
		}
	}
	return ""
}

// Set overwrites an existing header in place; duplicates never accumulate
// across publish retries.
func (t *traceHeaders) Set(key, value string) {
	for i := range *t {
		if (*t)[i].Key == key {
			(*t)[i].Value = []byte(value)
			return
		}
	}
	*t = append(*t, segkafka.Header{Key: key, Value: []byte(value)})
}

func (t traceHeaders) Keys() []string {
	out := make([]string, 0, len(t))
	for i := range t {
		out = append(out, t[i].Key)
	}
	return out
}
