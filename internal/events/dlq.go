package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

type MessageMetadata struct {
	FailureTime   time.Time `json:"failure_time"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// DLQRecord is what the DLQ monitor reads back from a dead-lettered message.
type DLQRecord struct {
	Metadata          MessageMetadata
	OriginalPartition string
	OriginalOffset    string
	Key               string
	Payload           []byte
}

func sendToDLQ(producer sarama.SyncProducer, message *sarama.ConsumerMessage, processingError error) error {
	metadata := MessageMetadata{
		FailureTime:   time.Now().UTC(),
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: ChangesDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(fmt.Sprintf("%d", message.Partition))},
			{Key: []byte("original_offset"), Value: []byte(fmt.Sprintf("%d", message.Offset))},
			{Key: []byte("failure_time"), Value: []byte(metadata.FailureTime.Format(time.RFC3339))},
		},
	}

	if _, _, err := producer.SendMessage(dlqMessage); err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	return nil
}

// ReadDLQRecord extracts the failure metadata a DLQ message carries in its
// headers. Unknown headers are ignored.
func ReadDLQRecord(message *sarama.ConsumerMessage) (DLQRecord, error) {
	record := DLQRecord{
		Key:     string(message.Key),
		Payload: message.Value,
	}

	for _, header := range message.Headers {
		if header == nil {
			continue
		}
		switch string(header.Key) {
		case "metadata":
			if err := json.Unmarshal(header.Value, &record.Metadata); err != nil {
				return record, fmt.Errorf("decode DLQ metadata: %w", err)
			}
		case "original_partition":
			record.OriginalPartition = string(header.Value)
		case "original_offset":
			record.OriginalOffset = string(header.Value)
		}
	}
	return record, nil
}
