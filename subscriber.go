package durable

import (
	"encoding/json"
	"strings"
	"time"
)

// Subscriber is one registered interest in a domain event. Subscribers are
// registered out-of-band (configuration) and are read-only to the dispatcher.
type Subscriber struct {
	// Name identifies the subscriber.
	Name string `json:"name" yaml:"name"`

	// Description says what the subscription is for.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// EventToListenTo matches EventEnvelope.SourceAPIName.
	EventToListenTo string `json:"event_to_listen_to" yaml:"event_to_listen_to"`

	// WorkUnit identifies which unit of work to start per notification.
	WorkUnit Identity `json:"work_unit" yaml:"work_unit"`

	// Enabled gates delivery. Disabled subscribers never receive
	// notifications.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Configuration is an opaque JSON string handed to the work unit to
	// change its behavior: urls, emails, directories and the like.
	Configuration string `json:"configuration,omitempty" yaml:"configuration,omitempty"`

	// ConfigurationType optionally records the configuration's shape for
	// validation. Debug only.
	ConfigurationType TypeDescriptor `json:"configuration_type,omitempty" yaml:"configuration_type,omitempty"`
}

// Validate enforces the fields required before a subscriber can be matched.
func (s *Subscriber) Validate() error {
	if s == nil {
		return NewError(ErrInvalidArgument, "subscriber is required", nil, nil)
	}
	if strings.TrimSpace(s.Name) == "" {
		return NewError(ErrInvalidArgument, "subscriber requires a name", nil, nil)
	}
	if strings.TrimSpace(s.EventToListenTo) == "" {
		return NewError(ErrInvalidArgument, "subscriber requires an event to listen to", nil, nil)
	}
	if s.WorkUnit.IsZero() {
		return NewError(ErrInvalidArgument, "subscriber requires a work unit identity", nil, nil)
	}
	return nil
}

// ConfigurationInto decodes the JSON configuration into v. Returns false
// without touching v when no configuration is set.
func (s *Subscriber) ConfigurationInto(v any) (bool, error) {
	if s == nil || strings.TrimSpace(s.Configuration) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(s.Configuration), v); err != nil {
		return false, NewError(ErrSerializationFailed,
			"subscriber configuration does not match the target type", err, map[string]any{
				"subscriber": s.Name,
			})
	}
	return true, nil
}

// Notification pairs one event occurrence with one matching subscriber. The
// dispatcher creates one per (event, enabled matching subscriber); a queue
// worker consumes it exactly once to start a controller, and it is not
// retained afterward. Retry of the resulting run belongs to the controller,
// not the queue.
type Notification struct {
	Event      *EventEnvelope `json:"event"`
	Subscriber Subscriber     `json:"subscriber"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate enforces the non-null notification fields.
func (n *Notification) Validate() error {
	if n == nil {
		return NewError(ErrInvalidArgument, "notification is required", nil, nil)
	}
	if n.Event == nil {
		return NewError(ErrInvalidArgument, "notification requires an event", nil, nil)
	}
	if err := n.Subscriber.Validate(); err != nil {
		return err
	}
	return nil
}
