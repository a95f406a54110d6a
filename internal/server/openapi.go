package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// The OpenAPI document is assembled as plain maps and marshaled once. Status
// codes are strings per the 3.0 spec.

var (
	openapiOnce sync.Once
	openapiBody []byte
	openapiErr  error
)

func schemaRef(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func jsonResponse(description, schema string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": schemaRef(schema),
			},
		},
	}
}

func errorResponses() map[string]interface{} {
	return map[string]interface{}{
		"400": jsonResponse("Validation failed", "Error"),
		"403": jsonResponse("CSRF validation failed", "Error"),
		"404": jsonResponse("Not found", "Error"),
		"409": jsonResponse("State conflict", "Error"),
		"500": jsonResponse("Internal error", "Error"),
	}
}

func withErrors(success map[string]interface{}) map[string]interface{} {
	out := errorResponses()
	for code, resp := range success {
		out[code] = resp
	}
	return out
}

func buildOpenAPIDoc() map[string]interface{} {
	workItemProperties := map[string]interface{}{
		"id":          map[string]interface{}{"type": "integer", "format": "int64"},
		"title":       map[string]interface{}{"type": "string"},
		"description": map[string]interface{}{"type": "string"},
		"status":      map[string]interface{}{"type": "string"},
		"priority":    map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 10},
		"created_at":  map[string]interface{}{"type": "string", "format": "date-time"},
	}

	schemas := map[string]interface{}{
		"Task": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":              map[string]interface{}{"type": "integer", "format": "int64"},
				"task_type":       map[string]interface{}{"type": "string"},
				"payload":         map[string]interface{}{"type": "object", "additionalProperties": true},
				"priority":        map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 10},
				"status":          map[string]interface{}{"type": "string", "enum": []string{"pending", "scheduled", "running", "completed", "failed", "cancelled", "timeout", "converted"}},
				"retries":         map[string]interface{}{"type": "integer"},
				"max_retries":     map[string]interface{}{"type": "integer"},
				"timeout_seconds": map[string]interface{}{"type": "integer"},
				"assigned_worker": map[string]interface{}{"type": "string"},
				"parent_id":       map[string]interface{}{"type": "integer", "format": "int64", "nullable": true},
				"hierarchy_level": map[string]interface{}{"type": "integer"},
				"batch_id":        map[string]interface{}{"type": "string"},
				"sprint_id":       map[string]interface{}{"type": "string"},
				"created_at":      map[string]interface{}{"type": "string", "format": "date-time"},
			},
			"required": []string{"id", "task_type", "status"},
		},
		"Project": map[string]interface{}{
			"type":        "object",
			"description": "Top-level work container; children are milestones.",
			"properties":  workItemProperties,
		},
		"Milestone": map[string]interface{}{
			"type":        "object",
			"description": "Delivery checkpoint within a project; children are features.",
			"properties":  workItemProperties,
		},
		"Feature": map[string]interface{}{
			"type":        "object",
			"description": "Unit of product work within a milestone; children are tasks.",
			"properties":  workItemProperties,
		},
		"Bug": map[string]interface{}{
			"type":        "object",
			"description": "Defect report tracked alongside feature work.",
			"properties":  workItemProperties,
		},
		"Node": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id":        map[string]interface{}{"type": "string"},
				"region_id": map[string]interface{}{"type": "string"},
				"hostname":  map[string]interface{}{"type": "string"},
				"status":    map[string]interface{}{"type": "string"},
			},
			"required": []string{"id", "hostname"},
		},
		"Error": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"error":   map[string]interface{}{"type": "string", "description": "Human-readable summary"},
				"code":    map[string]interface{}{"type": "string", "description": "Machine-readable error code"},
				"message": map[string]interface{}{"type": "string", "description": "Detail for the failing request"},
			},
			"required": []string{"error", "code"},
		},
		"Success": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"success": map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"success"},
		},
	}

	paths := map[string]interface{}{
		"/health": map[string]interface{}{
			"get": map[string]interface{}{
				"summary": "Liveness and storage health",
				"responses": map[string]interface{}{
					"200": jsonResponse("Service healthy", "Success"),
					"503": jsonResponse("Storage unavailable", "Error"),
				},
			},
		},
		"/api/csrf-token": map[string]interface{}{
			"get": map[string]interface{}{
				"summary": "Fetch the current CSRF token",
				"responses": map[string]interface{}{
					"200": jsonResponse("Current token", "Success"),
				},
			},
		},
		"/api/tasks": map[string]interface{}{
			"post": map[string]interface{}{
				"summary": "Submit a task",
				"requestBody": map[string]interface{}{
					"required": true,
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{"schema": schemaRef("Task")},
					},
				},
				"responses": withErrors(map[string]interface{}{
					"201": jsonResponse("Task created", "Task"),
				}),
			},
			"get": map[string]interface{}{
				"summary": "List tasks",
				"parameters": []interface{}{
					map[string]interface{}{"name": "status", "in": "query", "schema": map[string]interface{}{"type": "string"}},
					map[string]interface{}{"name": "task_type", "in": "query", "schema": map[string]interface{}{"type": "string"}},
					map[string]interface{}{"name": "limit", "in": "query", "schema": map[string]interface{}{"type": "integer"}},
				},
				"responses": withErrors(map[string]interface{}{
					"200": jsonResponse("Matching tasks", "Success"),
				}),
			},
		},
		"/api/tasks/claim": map[string]interface{}{
			"post": map[string]interface{}{
				"summary": "Claim the next eligible task",
				"responses": withErrors(map[string]interface{}{
					"200": jsonResponse("Leased task", "Task"),
				}),
			},
		},
		"/api/tasks/{id}": map[string]interface{}{
			"parameters": []interface{}{
				map[string]interface{}{
					"name": "id", "in": "path", "required": true,
					"schema": map[string]interface{}{"type": "integer", "format": "int64"},
				},
			},
			"get": map[string]interface{}{
				"summary": "Fetch one task",
				"responses": withErrors(map[string]interface{}{
					"200": jsonResponse("The task", "Task"),
				}),
			},
			"delete": map[string]interface{}{
				"summary": "Delete a task, re-parenting children",
				"responses": withErrors(map[string]interface{}{
					"200": jsonResponse("Deleted", "Success"),
				}),
			},
		},
		"/api/nodes": map[string]interface{}{
			"get": map[string]interface{}{
				"summary": "List topology nodes",
				"responses": withErrors(map[string]interface{}{
					"200": jsonResponse("Registered nodes", "Node"),
				}),
			},
			"post": map[string]interface{}{
				"summary": "Register or refresh a node",
				"requestBody": map[string]interface{}{
					"required": true,
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{"schema": schemaRef("Node")},
					},
				},
				"responses": withErrors(map[string]interface{}{
					"201": jsonResponse("Node stored", "Node"),
				}),
			},
		},
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "devplane API",
			"description": "Task queue, session dispatch, and prompt responder control plane.",
			"version":     "1.0.0",
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": schemas,
			"securitySchemes": map[string]interface{}{
				"csrfToken": map[string]interface{}{
					"type": "apiKey",
					"in":   "header",
					"name": csrfHeader,
				},
			},
		},
	}
}

func openAPIYAML() ([]byte, error) {
	openapiOnce.Do(func() {
		openapiBody, openapiErr = yaml.Marshal(buildOpenAPIDoc())
	})
	return openapiBody, openapiErr
}

func (s *Server) handleOpenAPISpec(c *gin.Context) {
	body, err := openAPIYAML()
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal error", codeInternal, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/yaml", body)
}

const swaggerPage = `<!DOCTYPE html>
<html>
<head>
  <title>devplane API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: "/api/openapi.yaml", dom_id: "#swagger-ui"});
  </script>
</body>
</html>`

const redocPage = `<!DOCTYPE html>
<html>
<head>
  <title>devplane API</title>
  <meta charset="utf-8">
</head>
<body>
  <redoc spec-url="/api/openapi.yaml"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`

func (s *Server) handleSwaggerUI(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(swaggerPage))
}

func (s *Server) handleReDoc(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(redocPage))
}
