package dispatcher

import (
	"os"

	"gopkg.in/yaml.v3"

	durable "github.com/goliatone/go-durable"
)

// Subscribers is a read-only source of subscriber registrations.
type Subscribers interface {
	// ForEvent returns the subscribers listening to the given source API
	// name, enabled or not. The dispatcher filters enabled ones.
	ForEvent(apiName string) []durable.Subscriber
}

// StaticSubscribers is an in-memory subscriber source.
type StaticSubscribers []durable.Subscriber

// ForEvent filters by EventToListenTo.
func (s StaticSubscribers) ForEvent(apiName string) []durable.Subscriber {
	var out []durable.Subscriber
	for _, sub := range s {
		if sub.EventToListenTo == apiName {
			out = append(out, sub)
		}
	}
	return out
}

type subscribersFile struct {
	Subscribers []durable.Subscriber `yaml:"subscribers"`
}

// LoadSubscribersFile reads a YAML subscriber registry. Every entry must
// validate; a bad registration is a startup failure, not a runtime surprise.
func LoadSubscribersFile(path string) (StaticSubscribers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, durable.NewError(durable.ErrInvalidArgument,
			"cannot read subscribers file", err, map[string]any{"path": path})
	}
	var cfg subscribersFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, durable.NewError(durable.ErrSerializationFailed,
			"subscribers file is not valid yaml", err, map[string]any{"path": path})
	}
	for i := range cfg.Subscribers {
		if err := cfg.Subscribers[i].Validate(); err != nil {
			return nil, err
		}
	}
	return StaticSubscribers(cfg.Subscribers), nil
}
