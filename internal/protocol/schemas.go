package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	joinRoomSchema  = mustCompile("joinRoom")
	startRaceSchema = mustCompile("startRace")
	leaveRoomSchema = mustCompile("leaveRoom")
	inputsSchema    = mustCompile("inputs")
	spectateSchema  = mustCompile("spectate")
)

func mustCompile(name string) *jsonschema.Schema {
	path := fmt.Sprintf("schemas/%s.schema.json", name)
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", path, err))
	}
	url := fmt.Sprintf("https://sperm-odyssey/schemas/%s.schema.json", name)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema resource %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// validate checks raw JSON against a compiled schema. Unknown fields fail via
// additionalProperties:false; shape errors fail here rather than as silent
// zero values after a struct unmarshal.
func validate(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

// ParseJoinRoom validates and decodes a joinRoom payload. The display name is
// sanitized; a name that sanitizes to nothing falls back to a placeholder.
func ParseJoinRoom(raw []byte) (JoinRoomMsg, error) {
	var m JoinRoomMsg
	if err := validate(joinRoomSchema, raw); err != nil {
		return m, fmt.Errorf("joinRoom: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	m.Name = SanitizeName(m.Name)
	return m, nil
}

func ParseStartRace(raw []byte) (StartRaceMsg, error) {
	var m StartRaceMsg
	if err := validate(startRaceSchema, raw); err != nil {
		return m, fmt.Errorf("startRace: %w", err)
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

func ParseLeaveRoom(raw []byte) (LeaveRoomMsg, error) {
	var m LeaveRoomMsg
	if err := validate(leaveRoomSchema, raw); err != nil {
		return m, fmt.Errorf("leaveRoom: %w", err)
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

// ParseInputs validates and decodes an input batch. The schema bounds the
// batch at 32 frames; per-room pacing trims further.
func ParseInputs(raw []byte) (InputsMsg, error) {
	var m InputsMsg
	if err := validate(inputsSchema, raw); err != nil {
		return m, fmt.Errorf("inputs: %w", err)
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

func ParseSpectate(raw []byte) (SpectateMsg, error) {
	var m SpectateMsg
	if err := validate(spectateSchema, raw); err != nil {
		return m, fmt.Errorf("spectate: %w", err)
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}
