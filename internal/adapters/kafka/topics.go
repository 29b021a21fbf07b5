package kafka

// Topic definitions for Kafka event streaming
const (
	// Flow events
	TopicFlowSnapshot       = "flow.snapshot"
	TopicDivergenceDetected = "flow.divergence_detected"
	TopicShiftDetected      = "flow.shift_detected"
)
