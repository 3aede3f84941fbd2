package chathttp

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/operation"
)

// reflectSchema reflects a Go type T into an inlined, root-expanded schema.
func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}

// buildSchema renders the JSON Schema document served at <endpoint>/schema.
func buildSchema() ([]byte, error) {
	doc := map[string]*jsonschema.Schema{
		"request":             reflectSchema[operation.Request](),
		"response":            reflectSchema[operation.Response](),
		"error":               reflectSchema[operation.Error](),
		"frame":               reflectSchema[operation.Frame](),
		"message":             reflectSchema[chat.Message](),
		"messageInput":        reflectSchema[chat.MessageInput](),
		"addMessageVariables": reflectSchema[operation.AddMessageVariables](),
	}
	return json.Marshal(doc)
}
