// internal/clients/catalog_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
)

type CatalogClient struct {
	base
}

func NewCatalogClient(baseURL string, opts ...Option) *CatalogClient {
	return &CatalogClient{base: newBase(baseURL, opts)}
}

func (c *CatalogClient) AddItem(ctx context.Context, title, author string, totalCopies int) (catalog.Item, error) {
	req := struct {
		Title       string `json:"title"`
		Author      string `json:"author,omitempty"`
		TotalCopies int    `json:"total_copies"`
	}{title, author, totalCopies}

	var item catalog.Item
	err := c.do(ctx, http.MethodPost, "/items", req, &item)
	return item, err
}

func (c *CatalogClient) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	var item catalog.Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/items/%s", id), nil, &item)
	return item, err
}

func (c *CatalogClient) UpdateItemCopies(ctx context.Context, id uuid.UUID, newTotal int) (catalog.Item, error) {
	req := struct {
		TotalCopies int `json:"total_copies"`
	}{newTotal}

	var item catalog.Item
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/items/%s", id), req, &item)
	return item, err
}
