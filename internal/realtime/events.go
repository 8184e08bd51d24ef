package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/carelink/unreadsync/internal/unread"
)

const (
	TypeNewItem    = "new_item"
	TypeMarkedRead = "marked_read"
)

var ErrInvalidFrame = errors.New("invalid push frame")

//go:embed frame.schema.json
var frameSchemaJSON string

// Event is one of NewItem or MarkedRead.
type Event interface {
	Type() string
}

// NewItem reports an arrival. Count is the authoritative count when the
// server knows it; Item identifies the arrival when present.
type NewItem struct {
	Scope string
	Count *int
	Item  *unread.Item
}

func (NewItem) Type() string { return TypeNewItem }

// MarkedRead reports that items in Scope were read elsewhere. A nil Count
// means the server did not state the new count and the client should
// re-poll.
type MarkedRead struct {
	Scope string
	Count *int
}

func (MarkedRead) Type() string { return TypeMarkedRead }

// Frame is the wire form of an Event.
type Frame struct {
	Type  string       `json:"type"`
	Scope string       `json:"scope,omitempty"`
	Count *int         `json:"count,omitempty"`
	Item  *unread.Item `json:"item,omitempty"`
}

// EncodeEvent renders ev as a push frame.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case NewItem:
		return json.Marshal(Frame{Type: TypeNewItem, Scope: e.Scope, Count: e.Count, Item: e.Item})
	case MarkedRead:
		return json.Marshal(Frame{Type: TypeMarkedRead, Scope: e.Scope, Count: e.Count})
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidFrame, ev)
	}
}

type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("frame.schema.json")
	if err != nil {
		return nil, err
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates data against the frame schema and returns the typed event.
func (d *Decoder) Decode(data []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	scope := frame.Scope
	if scope == "" && frame.Item != nil {
		scope = frame.Item.Scope
	}
	scope = unread.NormalizeScope(scope)

	switch frame.Type {
	case TypeNewItem:
		ev := NewItem{Scope: scope, Count: frame.Count, Item: frame.Item}
		if ev.Item != nil && ev.Item.Scope == "" {
			ev.Item.Scope = scope
		}
		return ev, nil
	case TypeMarkedRead:
		return MarkedRead{Scope: scope, Count: frame.Count}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, frame.Type)
}
