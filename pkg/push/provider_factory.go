package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"huddle-backend/pkg/config"
	"huddle-backend/pkg/logger"
)

// NewProvider builds the provider selected by cfg.Provider
func NewProvider(ctx context.Context, cfg config.PushConfig) (Provider, error) {
	logger.Info("Initializing push notification provider", zap.String("provider_type", cfg.Provider))

	switch cfg.Provider {
	case "fcm", "firebase":
		if cfg.FirebaseProjectID == "" {
			return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required for the fcm provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsPath: cfg.FirebaseCredsPath,
		})
	case "apns":
		return NewAPNsProvider(&APNsConfig{
			KeyPath:    cfg.APNsKeyPath,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			BundleID:   cfg.APNsBundleID,
			Production: cfg.APNsProduction,
		})
	default:
		return &MockProvider{}, nil
	}
}
