package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type              string   `json:"type"`
	ProtocolVersion   string   `json:"protocol_version"`
	SupportedVersions []string `json:"supported_versions,omitempty"`
	Actor             string   `json:"actor"`
	ClientName        string   `json:"client_name,omitempty"`
}

// WELCOME (server -> client). Records carries the current structure records
// so a joining participant can restore before applying replicated edits.
type WelcomeMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	SelectedVersion string            `json:"selected_version,omitempty"`
	SessionID       string            `json:"session_id"`
	Actor           string            `json:"actor"`
	CellSize        float64           `json:"cell_size"`
	Multiplayer     bool              `json:"multiplayer"`
	Digest          string            `json:"digest"`
	Records         []json.RawMessage `json:"records"`
}

// CellRef is a grid cell on the wire.
type CellRef struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PLACE (both directions). structure_id is minted by the placing client.
type PlaceMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Actor           string  `json:"actor"`
	StructureID     string  `json:"structure_id"`
	Cell            CellRef `json:"cell"`
	Variant         string  `json:"variant,omitempty"`
	Material        string  `json:"material,omitempty"`
	Owner           *string `json:"owner"`
}

// REMOVE (both directions).
type RemoveMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Actor           string  `json:"actor"`
	StructureID     string  `json:"structure_id,omitempty"`
	Cell            CellRef `json:"cell"`
	Material        string  `json:"material,omitempty"`
	Owner           *string `json:"owner"`
}

// ACK (server -> sender). Applied is false for benign no-ops.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	StructureID     string `json:"structure_id,omitempty"`
	Accepted        bool   `json:"accepted"`
	Applied         bool   `json:"applied"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Seq             uint64 `json:"seq,omitempty"`
}

// ERROR (server -> client) for messages that could not be routed at all.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
