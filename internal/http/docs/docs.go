// Package docs registers the OpenAPI description served at /swagger. The
// paths mirror the godoc annotations on the handlers package.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/webhook/messages": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Webhook"],
                "summary": "Ingest an inbound message",
                "operationId": "ingestMessage",
                "parameters": [
                    {"type": "string", "description": "Shared webhook secret (when configured)", "name": "X-Webhook-Token", "in": "header"},
                    {"type": "string", "description": "Sender id used for rate limiting", "name": "X-Sender-ID", "in": "header"},
                    {"description": "Message event", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.InboundMessageRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.AcceptedResponse"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Bad webhook token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Shutting down", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Reviews"],
                "summary": "List review entries (paginated)",
                "operationId": "listReviews",
                "parameters": [
                    {"enum": ["pending_review", "auto_scheduled", "sent", "rejected"], "type": "string", "default": "pending_review", "name": "status", "in": "query"},
                    {"type": "string", "name": "If-None-Match", "in": "header"},
                    {"minimum": 1, "type": "integer", "default": 1, "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListReviewsResponse"}, "headers": {"ETag": {"type": "string"}}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad status", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Reviews"],
                "summary": "Get a review entry",
                "operationId": "getReview",
                "parameters": [{"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.ReviewQueueEntry"}},
                    "404": {"description": "Review not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews/{id}/approve": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Reviews"],
                "summary": "Approve and send a reply",
                "operationId": "approveReview",
                "parameters": [
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.ApproveRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.ReviewQueueEntry"}},
                    "404": {"description": "Review not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Review already closed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Delivery channel failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews/{id}/reject": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Reviews"],
                "summary": "Reject a reply",
                "operationId": "rejectReview",
                "parameters": [
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.ReviewQueueEntry"}},
                    "404": {"description": "Review not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Review already sent", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/conversations/{user_id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Conversations"],
                "summary": "Conversation state and recent history for a user",
                "operationId": "getConversation",
                "parameters": [{"type": "string", "name": "user_id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "User not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/alerts": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Alerts"],
                "summary": "Open operator alerts",
                "operationId": "listAlerts",
                "parameters": [{"maximum": 500, "minimum": 1, "type": "integer", "default": 100, "name": "limit", "in": "query"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListAlertsResponse"}}}
            }
        },
        "/alerts/{id}/resolve": {
            "post": {
                "tags": ["Alerts"],
                "summary": "Mark an operator alert handled",
                "operationId": "resolveAlert",
                "parameters": [{"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Alert not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.ReviewQueueEntry": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "user_id": {"type": "string"},
                "incoming_text": {"type": "string"},
                "incoming_time": {"type": "string"},
                "generated_prompt": {"type": "string"},
                "proposed_reply": {"type": "string"},
                "prompt_type": {"type": "string"},
                "scenario_tag": {"type": "string"},
                "status": {"type": "string", "enum": ["pending_review", "auto_scheduled", "sent", "rejected"]},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.OperatorAlert": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "user_id": {"type": "string"},
                "operation": {"type": "string"},
                "detail": {"type": "string"},
                "error": {"type": "string"},
                "resolved": {"type": "boolean"},
                "created_at": {"type": "string"}
            }
        },
        "handlers.AcceptedResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "accepted"},
                "user_id": {"type": "string"},
                "arrival_time": {"type": "string"}
            }
        },
        "handlers.ApproveRequest": {
            "type": "object",
            "properties": {"reply": {"type": "string"}}
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string"}
            }
        },
        "handlers.InboundMessageRequest": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "text": {"type": "string"},
                "arrival_time": {"type": "string"},
                "source": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "handlers.ListAlertsResponse": {
            "type": "object",
            "properties": {"alerts": {"type": "array", "items": {"$ref": "#/definitions/domain.OperatorAlert"}}}
        },
        "handlers.ListReviewsResponse": {
            "type": "object",
            "properties": {
                "reviews": {"type": "array", "items": {"$ref": "#/definitions/domain.ReviewQueueEntry"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Coach Intake API",
	Description:      "Message intake webhook and reply review dashboard.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
