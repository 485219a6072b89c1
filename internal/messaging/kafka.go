// Package messaging publishes reward results and batch summaries to Kafka.
// Messages are JSON by default or a protobuf Struct when the proto encoding is configured.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/powreward/internal/batch"
	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/circuit"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
	"github.com/bardlex/powreward/pkg/retry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with per-topic producer pooling
type KafkaClient struct {
	brokers        []string
	encoding       string
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	now            func() time.Time
}

var _ batch.Notifier = (*KafkaClient)(nil)

// NewKafkaClient creates a new Kafka client. An empty encoding means JSON.
func NewKafkaClient(brokers []string, encoding string, logger *log.Logger) (*KafkaClient, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "new_kafka_client", "at least one broker is required")
	}
	switch encoding {
	case "":
		encoding = EncodingJSON
	case EncodingJSON, EncodingProto:
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "new_kafka_client", "unknown message encoding").
			WithContext("encoding", encoding)
	}
	if logger == nil {
		logger = log.Nop()
	}

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		encoding:       encoding,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
		now:            time.Now,
	}, nil
}

// producer gets or creates a Kafka producer for a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// consumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) consumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// encode renders v in the client's encoding
func encode(encoding string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if encoding != EncodingProto {
		return data, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// decode parses a message body written by encode into v
func decode(encoding string, data []byte, v any) error {
	if encoding == EncodingProto {
		st := &structpb.Struct{}
		if err := proto.Unmarshal(data, st); err != nil {
			return err
		}
		var err error
		if data, err = json.Marshal(st.AsMap()); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

func encodingOf(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == headerContentType && string(h.Value) == contentType(EncodingProto) {
			return EncodingProto
		}
	}
	return EncodingJSON
}

// publish encodes v and writes it to topic under key
func (k *KafkaClient) publish(ctx context.Context, topic, key string, v any) error {
	data, err := encode(k.encoding, v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_message",
			"failed to encode message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			kafkaMsg := kafka.Message{
				Key:     []byte(key),
				Value:   data,
				Time:    k.now(),
				Headers: []kafka.Header{{Key: headerContentType, Value: []byte(contentType(k.encoding))}},
			}

			if err := k.producer(topic).WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// NotifyResult publishes a persisted result keyed by participant, so each participant's results stay ordered
func (k *KafkaClient) NotifyResult(ctx context.Context, result *reward.RewardResult) error {
	runID, _ := log.RunIDFromContext(ctx)
	msg := newRewardResultMessage(runID, result, k.now().UTC())
	return k.publish(ctx, TopicRewardResults, result.ParticipantID, msg)
}

// NotifyBatch publishes the summary of a finished batch run
func (k *KafkaClient) NotifyBatch(ctx context.Context, report *batch.Report) error {
	msg := newBatchSummaryMessage(report, k.now().UTC())
	return k.publish(ctx, TopicRewardBatches, report.PeriodEnd.UTC().Format(time.DateOnly), msg)
}

// DecodeRewardResult parses a message read from TopicRewardResults in either encoding
func DecodeRewardResult(msg kafka.Message) (*RewardResultMessage, error) {
	out := &RewardResultMessage{}
	if err := decode(encodingOf(msg), msg.Value, out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataIntegrity, "decode_reward_result",
			"failed to decode reward result message").
			WithContext("topic", msg.Topic).
			WithContext("offset", msg.Offset)
	}
	return out, nil
}

// ResultHandler receives each decoded result message
type ResultHandler func(ctx context.Context, msg *RewardResultMessage) error

// ConsumeResults reads TopicRewardResults as groupID until ctx ends
func (k *KafkaClient) ConsumeResults(ctx context.Context, groupID string, handler ResultHandler) error {
	reader := k.consumer(TopicRewardResults, groupID)
	k.logger.Info("starting consumer", "topic", TopicRewardResults, "group_id", groupID)

	for {
		kafkaMsg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", TopicRewardResults)
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeKafka, "read_message", "failed to read message from Kafka").
				WithContext("topic", TopicRewardResults)
		}

		msg, err := DecodeRewardResult(kafkaMsg)
		if err != nil {
			k.logger.WithError(err).Warn("skipping undecodable message", "offset", kafkaMsg.Offset)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "key", string(kafkaMsg.Key))
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
