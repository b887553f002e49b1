// Package transport implements the agent transporter: per-neighbor outbox
// buffers, neighbor-to-neighbor exchange of serialized records, and the
// one-hop-per-sync forwarding that eventually delivers a non-neighbor
// destination across the quadtree's neighbor graph.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/meshfield/internal/geom"
)

// TransporteePayload is the closed sum type an envelope carries: a plain
// object destined for a field, or one of the two scheduling wrappers.
type TransporteePayload interface {
	payloadKind() string
}

// BareObject is a value to be written into a field at the envelope's
// location, with no scheduling side effect.
type BareObject struct {
	Data []byte
}

func (BareObject) payloadKind() string { return "bare_object" }

// AgentWrapper carries an agent plus scheduling instructions: Time < 0
// requests "schedule once at next step"; Time >= 0 requests scheduling at
// that absolute time.
type AgentWrapper struct {
	Agent    []byte
	Ordering int
	Time     float64
}

func (AgentWrapper) payloadKind() string { return "agent_wrapper" }

// RepeatWrapper carries a recurring scheduled task.
type RepeatWrapper struct {
	Time     float64
	Interval float64
	Ordering int
	Step     []byte
}

func (RepeatWrapper) payloadKind() string { return "repeat_wrapper" }

// Transportee is one envelope in the wire stream: a destination rank, the
// field it should be inserted into on arrival (FieldIndex < 0 suppresses
// the field-add), the point to insert at, and the payload variant.
type Transportee struct {
	Destination int
	FieldIndex  int
	Location    geom.IntPoint
	Payload     TransporteePayload
}

// wireTransportee is the tagged-JSON encoding of a Transportee: one JSON
// object per record, terminated by '\n' in the NDJSON stream the neighbor
// link reads and writes.
type wireTransportee struct {
	Destination int           `json:"destination"`
	FieldIndex  int           `json:"field_index"`
	Location    geom.IntPoint `json:"location"`
	Kind        string        `json:"kind"`

	BareData []byte `json:"bare_data,omitempty"`

	AgentData     []byte  `json:"agent_data,omitempty"`
	AgentOrdering int     `json:"agent_ordering,omitempty"`
	AgentTime     float64 `json:"agent_time,omitempty"`

	RepeatTime     float64 `json:"repeat_time,omitempty"`
	RepeatInterval float64 `json:"repeat_interval,omitempty"`
	RepeatOrdering int     `json:"repeat_ordering,omitempty"`
	RepeatStep     []byte  `json:"repeat_step,omitempty"`
}

// MarshalJSON encodes the envelope as a single tagged object, so the
// receiving end can dispatch on Kind without a type switch over raw JSON.
func (t Transportee) MarshalJSON() ([]byte, error) {
	w := wireTransportee{
		Destination: t.Destination,
		FieldIndex:  t.FieldIndex,
		Location:    t.Location,
	}
	switch p := t.Payload.(type) {
	case BareObject:
		w.Kind = p.payloadKind()
		w.BareData = p.Data
	case AgentWrapper:
		w.Kind = p.payloadKind()
		w.AgentData = p.Agent
		w.AgentOrdering = p.Ordering
		w.AgentTime = p.Time
	case RepeatWrapper:
		w.Kind = p.payloadKind()
		w.RepeatTime = p.Time
		w.RepeatInterval = p.Interval
		w.RepeatOrdering = p.Ordering
		w.RepeatStep = p.Step
	default:
		return nil, fmt.Errorf("transport: unknown payload type %T", t.Payload)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes one tagged record back into a Transportee.
func (t *Transportee) UnmarshalJSON(data []byte) error {
	var w wireTransportee
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Destination = w.Destination
	t.FieldIndex = w.FieldIndex
	t.Location = w.Location
	switch w.Kind {
	case "bare_object":
		t.Payload = BareObject{Data: w.BareData}
	case "agent_wrapper":
		t.Payload = AgentWrapper{Agent: w.AgentData, Ordering: w.AgentOrdering, Time: w.AgentTime}
	case "repeat_wrapper":
		t.Payload = RepeatWrapper{Time: w.RepeatTime, Interval: w.RepeatInterval, Ordering: w.RepeatOrdering, Step: w.RepeatStep}
	default:
		return fmt.Errorf("transport: unknown payload kind %q", w.Kind)
	}
	return nil
}
