package messaging

// Topic constants for reward events
const (
	TopicRewardResults = "reward.results" // rewardd → ledgers and dashboards, keyed by participant
	TopicRewardBatches = "reward.batches" // rewardd → monitoring, one summary per run
)

// Message encodings
const (
	EncodingJSON  = "json"
	EncodingProto = "proto" // google.protobuf.Struct, for consumers that only speak protobuf
)

const headerContentType = "content-type"

func contentType(encoding string) string {
	if encoding == EncodingProto {
		return "application/x-protobuf"
	}
	return "application/json"
}
