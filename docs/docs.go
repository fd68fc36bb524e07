// Package docs embeds the OpenAPI description of the ledger API.
package docs

import _ "embed"

// OpenAPI is the raw OpenAPI 3 document served under /swagger/openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPI []byte
