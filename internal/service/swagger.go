package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	docsPkg "github.com/onexay/perf-ledger/docs"
)

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>perf-ledger API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: 'openapi.json',
        dom_id: '#swagger-ui',
        deepLinking: true,
      });
    };
  </script>
</body>
</html>`

var (
	openAPIJSONOnce sync.Once
	openAPIJSON     []byte
	openAPIJSONErr  error
)

// openAPIDocumentJSON renders the embedded YAML document as JSON.
func openAPIDocumentJSON() ([]byte, error) {
	openAPIJSONOnce.Do(func() {
		var doc map[string]any
		if openAPIJSONErr = yaml.Unmarshal(docsPkg.OpenAPI, &doc); openAPIJSONErr != nil {
			return
		}
		openAPIJSON, openAPIJSONErr = json.Marshal(doc)
	})
	return openAPIJSON, openAPIJSONErr
}

func (s *Service) handleSwagger(w http.ResponseWriter, r *http.Request, tail string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	switch strings.TrimPrefix(tail, "/") {
	case "", "index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerHTML))
	case "openapi.yaml":
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(docsPkg.OpenAPI)
	case "openapi.json":
		payload, err := openAPIDocumentJSON()
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	default:
		http.NotFound(w, r)
	}
}
