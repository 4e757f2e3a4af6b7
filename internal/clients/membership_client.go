// internal/clients/membership_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libracirc/internal/membership"
)

type MembershipClient struct {
	base
}

func NewMembershipClient(baseURL string, opts ...Option) *MembershipClient {
	return &MembershipClient{base: newBase(baseURL, opts)}
}

func (c *MembershipClient) RegisterMember(ctx context.Context, name string) (membership.Member, error) {
	req := struct {
		Name string `json:"name"`
	}{name}

	var member membership.Member
	err := c.do(ctx, http.MethodPost, "/members", req, &member)
	return member, err
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	var member membership.Member
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/members/%s", id), nil, &member)
	return member, err
}

func (c *MembershipClient) SetStatus(ctx context.Context, id uuid.UUID, status membership.Status) (membership.Member, error) {
	req := struct {
		Status membership.Status `json:"status"`
	}{status}

	var member membership.Member
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/members/%s/status", id), req, &member)
	return member, err
}
