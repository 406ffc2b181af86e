package consensus

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// ConfigurationChange is the payload carried by an EntryConfiguration
// entry. Joint-consensus membership change is an open extension point per
// the design notes — this type only carries a full replacement
// configuration, applied atomically once committed.
type ConfigurationChange struct {
	Members []NodeId `mapstructure:"members"`
}

// EncodeConfigurationChange renders a configuration change as the opaque
// LogEntry payload, JSON-encoded so DecodeConfigurationChange can round
// it back through mapstructure without a bespoke binary decoder.
func EncodeConfigurationChange(change ConfigurationChange) ([]byte, error) {
	raw := map[string]interface{}{
		"members": change.Members,
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't encode configuration change")
	}
	return data, nil
}

// DecodeConfigurationChange decodes an EntryConfiguration entry's payload.
func DecodeConfigurationChange(payload []byte) (ConfigurationChange, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ConfigurationChange{}, errors.Wrap(err, "couldn't unmarshal configuration change payload")
	}

	var change ConfigurationChange
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &change,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ConfigurationChange{}, errors.Wrap(err, "couldn't build configuration decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return ConfigurationChange{}, errors.Wrap(err, "couldn't decode configuration change")
	}
	return change, nil
}
