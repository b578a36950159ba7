package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the normalized security event produced by the collection subsystem
// (endpoint agents, network collectors). Well-known attributes are promoted to
// struct fields; everything else rides in Fields.
type Event struct {
	EventID     string                 `json:"event_id" yaml:"event_id"`
	EventTime   time.Time              `json:"event_time" yaml:"event_time"`
	SourceType  string                 `json:"source_type" yaml:"source_type"`
	EventCode   string                 `json:"event_code" yaml:"event_code"`
	Severity    int                    `json:"severity" yaml:"severity"`
	Category    string                 `json:"category" yaml:"category"`
	SubjectUser string                 `json:"subject_user" yaml:"subject_user"`
	SourceIP    string                 `json:"source_ip" yaml:"source_ip"`
	TargetIP    string                 `json:"target_ip" yaml:"target_ip"`
	Host        string                 `json:"host" yaml:"host"`
	ProcessName string                 `json:"process_name" yaml:"process_name"`
	MitreTactic string                 `json:"mitre_tactic" yaml:"mitre_tactic"`
	RawData     string                 `json:"raw_data,omitempty" yaml:"raw_data,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		EventTime: time.Now().UTC(),
		Fields:    make(map[string]interface{}),
	}
}

// Field resolves an event attribute by name. Promoted struct fields take
// precedence over entries in Fields; unknown names fall through to Fields and
// return nil when absent.
func (e *Event) Field(name string) interface{} {
	if e == nil {
		return nil
	}

	switch name {
	case "event_id":
		return e.EventID
	case "event_time":
		return e.EventTime
	case "source_type":
		return e.SourceType
	case "event_code":
		return e.EventCode
	case "severity":
		return e.Severity
	case "category":
		return e.Category
	case "subject_user":
		return e.SubjectUser
	case "source_ip":
		return e.SourceIP
	case "target_ip":
		return e.TargetIP
	case "host":
		return e.Host
	case "process_name":
		return e.ProcessName
	case "mitre_tactic":
		return e.MitreTactic
	}

	if e.Fields != nil {
		if v, ok := e.Fields[name]; ok {
			return v
		}
	}
	return nil
}
