package main

import (
	"context"
	"fmt"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// newGmailService uses explicit credentials when given and Application
// Default Credentials otherwise. The account needs the gmail.send scope.
func newGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	var opts []option.ClientOption
	if credsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}
	return svc, nil
}
