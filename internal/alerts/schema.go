package alerts

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed alert_payload.schema.json
var payloadSchemaJSON string

var payloadSchema = jsonschema.MustCompileString("alert-payload-v1.schema.json", payloadSchemaJSON)

// ValidatePayload checks raw intake JSON against the alert payload
// schema before any field is trusted.
func ValidatePayload(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode alert payload: %w", err)
	}
	if err := payloadSchema.Validate(instance); err != nil {
		return fmt.Errorf("alert payload rejected: %w", err)
	}
	return nil
}
