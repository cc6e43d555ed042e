package protocol

import (
	"encoding/json"
	"fmt"
)

// Messages are tagged unions: a type tag plus exactly one non-nil variant.
// They are serialized as JSON text frames over the control WebSocket.

// ToServerType tags runner-to-engine messages.
type ToServerType string

const (
	ToServerTypeInit          ToServerType = "init"
	ToServerTypeEvents        ToServerType = "events"
	ToServerTypeAckCommands   ToServerType = "ack_commands"
	ToServerTypeStopping      ToServerType = "stopping"
	ToServerTypePong          ToServerType = "pong"
	ToServerTypeKvRequest     ToServerType = "kv_request"
	ToServerTypeTunnelMessage ToServerType = "tunnel_message"
)

// ToServer is a runner-to-engine control message.
type ToServer struct {
	Type          ToServerType           `json:"type"`
	Init          *ToServerInit          `json:"init,omitempty"`
	Events        *ToServerEvents        `json:"events,omitempty"`
	AckCommands   *ToServerAckCommands   `json:"ack_commands,omitempty"`
	Pong          *ToServerPong          `json:"pong,omitempty"`
	KvRequest     *ToServerKvRequest     `json:"kv_request,omitempty"`
	TunnelMessage *ToServerTunnelMessage `json:"tunnel_message,omitempty"`
}

// ToServerInit announces the runner to the engine after the socket opens.
type ToServerInit struct {
	Name                  string            `json:"name"`
	Version               string            `json:"version"`
	TotalSlots            uint32            `json:"total_slots"`
	PrepopulateActorNames []string          `json:"prepopulate_actor_names,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// ToServerEvents carries a batch of actor events in index order.
type ToServerEvents struct {
	Events []EventWrapper `json:"events"`
}

// CommandAck reports the last processed command index for one actor.
type CommandAck struct {
	ActorID        string `json:"actor_id"`
	LastCommandIdx uint64 `json:"last_command_idx"`
}

// ToServerAckCommands checkpoints processed commands per actor.
type ToServerAckCommands struct {
	Acks []CommandAck `json:"acks"`
}

// ToServerPong answers a ToClientPing, echoing its timestamp.
type ToServerPong struct {
	Ts int64 `json:"ts"`
}

// ToServerKvRequest forwards an opaque KV request for an actor.
type ToServerKvRequest struct {
	RequestID uint32 `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Payload   []byte `json:"payload,omitempty"`
}

// ToClientType tags engine-to-runner messages.
type ToClientType string

const (
	ToClientTypeInit          ToClientType = "init"
	ToClientTypeCommands      ToClientType = "commands"
	ToClientTypeAckEvents     ToClientType = "ack_events"
	ToClientTypeKvResponse    ToClientType = "kv_response"
	ToClientTypeTunnelMessage ToClientType = "tunnel_message"
	ToClientTypePing          ToClientType = "ping"
)

// ToClient is an engine-to-runner control message.
type ToClient struct {
	Type          ToClientType           `json:"type"`
	Init          *ToClientInit          `json:"init,omitempty"`
	Commands      []CommandWrapper       `json:"commands,omitempty"`
	AckEvents     *ToClientAckEvents     `json:"ack_events,omitempty"`
	KvResponse    *ToClientKvResponse    `json:"kv_response,omitempty"`
	TunnelMessage *ToClientTunnelMessage `json:"tunnel_message,omitempty"`
	Ping          *ToClientPing          `json:"ping,omitempty"`
}

// RunnerMetadata carries protocol constants negotiated on init.
type RunnerMetadata struct {
	// RunnerLostThresholdMs is how long the runner may stay disconnected
	// before it must abandon its actors. Zero disables the deadline.
	RunnerLostThresholdMs uint64 `json:"runner_lost_threshold"`
}

// ToClientInit is the first message after connecting; assigns the runner id.
type ToClientInit struct {
	RunnerID string         `json:"runner_id"`
	Metadata RunnerMetadata `json:"metadata"`
}

// EventCheckpoint acknowledges events up to and including Index for an actor.
type EventCheckpoint struct {
	ActorID string `json:"actor_id"`
	Index   uint64 `json:"index"`
}

// ToClientAckEvents prunes acknowledged events from runner-side history.
type ToClientAckEvents struct {
	LastEventCheckpoints []EventCheckpoint `json:"last_event_checkpoints"`
}

// KvError marks a failed KV request.
type KvError struct {
	Message string `json:"message"`
}

// ToClientKvResponse correlates a KV response to its request id.
type ToClientKvResponse struct {
	RequestID uint32   `json:"request_id"`
	Payload   []byte   `json:"payload,omitempty"`
	Error     *KvError `json:"error,omitempty"`
}

// ToClientPing is a liveness probe; the runner echoes Ts in a pong.
type ToClientPing struct {
	Ts int64 `json:"ts"`
}

// CommandType tags actor lifecycle commands.
type CommandType string

const (
	CommandTypeStartActor CommandType = "start_actor"
	CommandTypeStopActor  CommandType = "stop_actor"
)

// CommandWrapper scopes a command to an actor generation and carries the
// engine-assigned command index used for ack checkpoints.
type CommandWrapper struct {
	ActorID    string             `json:"actor_id"`
	Generation uint32             `json:"generation"`
	Index      uint64             `json:"index"`
	Type       CommandType        `json:"type"`
	StartActor *CommandStartActor `json:"start_actor,omitempty"`
}

// HibernatingRequest identifies one hibernating WebSocket the engine still
// holds for an actor being started.
type HibernatingRequest struct {
	GatewayID GatewayID `json:"gateway_id"`
	RequestID RequestID `json:"request_id"`
}

// Key returns the routing key for the hibernating request.
func (h HibernatingRequest) Key() RequestKey {
	return RequestKey{Gateway: h.GatewayID, Request: h.RequestID}
}

// ActorConfig is the immutable configuration an actor is started with.
type ActorConfig struct {
	Name     string  `json:"name"`
	Key      *string `json:"key,omitempty"`
	CreateTs int64   `json:"create_ts"`
	Input    []byte  `json:"input,omitempty"`
}

// CommandStartActor instructs the runner to (re)start an actor.
type CommandStartActor struct {
	Config              ActorConfig          `json:"config"`
	HibernatingRequests []HibernatingRequest `json:"hibernating_requests,omitempty"`
}

// EventType tags actor events.
type EventType string

const (
	EventTypeActorIntent      EventType = "actor_intent"
	EventTypeActorStateUpdate EventType = "actor_state_update"
	EventTypeActorSetAlarm    EventType = "actor_set_alarm"
)

// ActorIntent is a runner-requested lifecycle transition.
type ActorIntent string

const (
	ActorIntentSleep ActorIntent = "sleep"
	ActorIntentStop  ActorIntent = "stop"
)

// ActorStateType tags actor state reports.
type ActorStateType string

const (
	ActorStateTypeRunning ActorStateType = "running"
	ActorStateTypeStopped ActorStateType = "stopped"
)

// StopCode qualifies a stopped state.
type StopCode string

const (
	StopCodeOk    StopCode = "ok"
	StopCodeError StopCode = "error"
)

// ActorState reports the current state of an actor.
type ActorState struct {
	Type    ActorStateType `json:"type"`
	Code    StopCode       `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Event is one actor event variant.
type Event struct {
	Type        EventType   `json:"type"`
	Intent      ActorIntent `json:"intent,omitempty"`
	State       *ActorState `json:"state,omitempty"`
	AlarmTs     *uint64     `json:"alarm_ts,omitempty"`
	HasAlarmSet bool        `json:"has_alarm_set,omitempty"`
}

// EventWrapper scopes an event to an actor generation with a monotonically
// increasing index used for replay and acks.
type EventWrapper struct {
	ActorID    string `json:"actor_id"`
	Generation uint32 `json:"generation"`
	Index      uint64 `json:"index"`
	Event      Event  `json:"event"`
}

type messageIDWire struct {
	GatewayID GatewayID `json:"gateway_id"`
	RequestID RequestID `json:"request_id"`
	Index     uint16    `json:"index"`
}

// MarshalJSON flattens the composite id into its wire form.
func (m MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageIDWire{
		GatewayID: m.Key.Gateway,
		RequestID: m.Key.Request,
		Index:     m.Index,
	})
}

// UnmarshalJSON decodes the wire form of the composite id.
func (m *MessageID) UnmarshalJSON(data []byte) error {
	var w messageIDWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Key = RequestKey{Gateway: w.GatewayID, Request: w.RequestID}
	m.Index = w.Index
	return nil
}

// EncodeToServer serializes a runner-to-engine message.
func EncodeToServer(msg *ToServer) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeToServer deserializes a runner-to-engine message.
func DecodeToServer(data []byte) (*ToServer, error) {
	var msg ToServer
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode to-server message: %w", err)
	}
	return &msg, nil
}

// EncodeToClient serializes an engine-to-runner message.
func EncodeToClient(msg *ToClient) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeToClient deserializes an engine-to-runner message.
func DecodeToClient(data []byte) (*ToClient, error) {
	var msg ToClient
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode to-client message: %w", err)
	}
	return &msg, nil
}
