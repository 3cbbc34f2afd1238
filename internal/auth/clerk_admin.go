package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ClerkClient calls the Clerk Backend API.
type ClerkClient struct {
	http *resty.Client
}

// NewClerkClient creates a Backend API client authenticated with secretKey.
func NewClerkClient(baseURL, secretKey string) *ClerkClient {
	if baseURL == "" {
		baseURL = "https://api.clerk.com"
	}
	return &ClerkClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(secretKey).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetHeader("Content-Type", "application/json"),
	}
}

type clerkError struct {
	Errors []struct {
		Message     string `json:"message"`
		LongMessage string `json:"long_message"`
		Code        string `json:"code"`
	} `json:"errors"`
}

// UpdatePublicMetadata merges metadata into the user's public metadata.
// Clerk deep-merges the object, so unrelated keys survive.
func (c *ClerkClient) UpdatePublicMetadata(ctx context.Context, externalUserID string, metadata map[string]any) error {
	var apiErr clerkError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("userID", externalUserID).
		SetBody(map[string]any{"public_metadata": metadata}).
		SetError(&apiErr).
		Patch("/v1/users/{userID}/metadata")
	if err != nil {
		return fmt.Errorf("clerk update metadata: %w", err)
	}
	if resp.IsError() {
		if len(apiErr.Errors) > 0 {
			return fmt.Errorf("clerk update metadata: %s: %s", resp.Status(), apiErr.Errors[0].Message)
		}
		return fmt.Errorf("clerk update metadata: %s", resp.Status())
	}
	return nil
}
