package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by stream metrics.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrConnection identifies the socket connection within the pool.
	AttrConnection = attribute.Key("connection.id")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrChannelKind is the channel grammar (book, trades, account, ...).
	AttrChannelKind = attribute.Key("channel.kind")
	// AttrMessageType is the data frame tag (te, tu, os, ...).
	AttrMessageType = attribute.Key("message.type")
	// AttrEventType names the callback topic.
	AttrEventType = attribute.Key("event.type")
	// AttrEntity names the entity manager.
	AttrEntity = attribute.Key("entity")
	// AttrOutcome is the result of applying an event.
	AttrOutcome = attribute.Key("outcome")
	// AttrReason provides free-form context for errors and drops.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrCommandType is the control request (subscribe, unsubscribe, auth).
	AttrCommandType = attribute.Key("command.type")
)

// FrameAttributes labels frame level counters.
func FrameAttributes(connID string, kind, messageType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnection.String(connID),
	}
	if kind != "" {
		attrs = append(attrs, AttrChannelKind.String(kind))
	}
	if messageType != "" {
		attrs = append(attrs, AttrMessageType.String(messageType))
	}
	return attrs
}

// EntityAttributes labels entity manager outcomes.
func EntityAttributes(entity, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEntity.String(entity),
		AttrOutcome.String(outcome),
	}
}

// TopicAttributes labels callback delivery counters.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(topic),
	}
}

// ConnectionAttributes labels lifecycle counters.
func ConnectionAttributes(connID, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnection.String(connID),
	}
	if state != "" {
		attrs = append(attrs, AttrConnectionState.String(state))
	}
	return attrs
}

// CommandAttributes labels control-message counters.
func CommandAttributes(connID, command, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnection.String(connID),
		AttrCommandType.String(command),
		AttrResult.String(result),
	}
}
