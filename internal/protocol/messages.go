package protocol

import "holdfast.gg/internal/sim/events"

// HELLO (client -> server)
type HelloMsg struct {
	Type              string     `json:"type"`
	ProtocolVersion   string     `json:"protocol_version"`
	SupportedVersions []string   `json:"supported_versions,omitempty"`
	ClientName        string     `json:"client_name"`
	Encoding          string     `json:"encoding,omitempty"`
	Subscribe         []string   `json:"subscribe,omitempty"`
	Auth              *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type               string             `json:"type"`
	ProtocolVersion    string             `json:"protocol_version"`
	SelectedVersion    string             `json:"selected_version,omitempty"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
	ConnID             string             `json:"conn_id"`
	SessionID          string             `json:"session_id,omitempty"`
	SessionPhase       string             `json:"session_phase"`
	Encoding           string             `json:"encoding"`
	Factions           []FactionRef       `json:"factions"`
	Territories        int                `json:"territories"`
	TuningDigest       string             `json:"tuning_digest,omitempty"`
	Cursor             uint64             `json:"cursor"`
}

type ServerCapabilities struct {
	Ack        bool `json:"ack,omitempty"`
	EventBatch bool `json:"event_batch,omitempty"`
	Msgpack    bool `json:"msgpack,omitempty"`
}

type FactionRef struct {
	ID      uint8  `json:"id"`
	Name    string `json:"name"`
	Variant string `json:"variant"`
	Color   string `json:"color,omitempty"`
}

// COMMAND (client -> server). Fields are read per kind.
type CommandMsg struct {
	Type            string `json:"type" jsonschema:"enum=COMMAND"`
	ProtocolVersion string `json:"protocol_version"`
	CommandID       string `json:"command_id,omitempty"`
	Kind            string `json:"kind" jsonschema:"enum=UPDATE_INFLUENCE,enum=RECORD_COOPERATION,enum=RECORD_BETRAYAL,enum=RECORD_EXTRACTION_ASSIST,enum=OBJECTIVE_COMPLETED,enum=ASSIGN_PLAYER,enum=START_SESSION,enum=END_SESSION,enum=CONVOY_OUTCOME"`

	TerritoryID   uint32 `json:"territory_id,omitempty"`
	TerritoryKind string `json:"territory_kind,omitempty"`
	FactionID     uint8  `json:"faction_id,omitempty" jsonschema:"maximum=7"`
	Delta         int    `json:"delta,omitempty"`
	Cause         string `json:"cause,omitempty"`
	Impact        int    `json:"impact,omitempty"`

	PlayerA string  `json:"player_a,omitempty"`
	PlayerB string  `json:"player_b,omitempty"`
	Amount  float64 `json:"amount,omitempty"`

	RouteID string `json:"route_id,omitempty"`
	JobKind string `json:"job_kind,omitempty"`
	Success bool   `json:"success,omitempty"`
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Seq             uint64 `json:"seq,omitempty"`
	Revision        uint64 `json:"revision,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Event           events.Event `json:"event"`
}

// EVENT_BATCH_REQ (client -> server)
type EventBatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
}

// EVENT_BATCH (server -> client)
type EventBatchMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ReqID           string         `json:"req_id"`
	Events          []events.Event `json:"events"`
	NextCursor      uint64         `json:"next_cursor"`
	// Truncated is set when events older than SinceCursor were evicted.
	Truncated bool `json:"truncated,omitempty"`
}
