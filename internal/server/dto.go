package server

import (
	"groundline/internal/domain"
	"groundline/internal/engine"
	"groundline/internal/store"
)

// Request payloads

type CreateItemRequest struct {
	ID         *string            `json:"id,omitempty"`
	Turns      []domain.Turn      `json:"turns"`
	References []domain.Reference `json:"references,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
}

type SaveItemRequest struct {
	Turns      []domain.Turn      `json:"turns"`
	References []domain.Reference `json:"references,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Status     string             `json:"status,omitempty" enum:",draft,approved,skipped"`
}

type AssignRequest struct {
	Count int `json:"count" minimum:"1" maximum:"50"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type itemOutput struct {
	ETag string          `header:"ETag"`
	Body domain.WorkItem `json:"body"`
}

type saveOutput struct {
	ETag string            `header:"ETag"`
	Body engine.SaveResult `json:"body"`
}

type paginatedItems struct {
	Items      []domain.WorkItem `json:"items"`
	Pagination store.Pagination  `json:"pagination"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		Key:       plaintext,
		CreatedAt: k.CreatedAt,
	}
}

func itemOut(item domain.WorkItem) *itemOutput {
	return &itemOutput{ETag: item.ETag, Body: item}
}
