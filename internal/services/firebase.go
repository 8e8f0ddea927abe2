package services

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// InitFirebase loads the admin SDK credentials and returns the auth
// client the operator endpoints verify ID tokens against. The engine
// uses nothing else from the SDK.
func InitFirebase(credPath string) (*auth.Client, error) {
	ctx := context.Background()
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credPath))
	if err != nil {
		return nil, fmt.Errorf("load firebase credentials: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("build firebase auth client: %w", err)
	}
	return client, nil
}
