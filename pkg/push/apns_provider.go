package push

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
)

// APNsProvider implements Provider for Apple Push Notification Service
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig contains token-based authentication settings
type APNsConfig struct {
	KeyPath    string // .p8 private key
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// NewAPNsProvider creates a new APNs provider
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}
	if config.KeyPath == "" || config.KeyID == "" || config.TeamID == "" {
		return nil, fmt.Errorf("KeyPath, KeyID and TeamID are required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", config.BundleID),
		zap.Bool("production", config.Production))

	return &APNsProvider{client: client, bundleID: config.BundleID}, nil
}

func (a *APNsProvider) Name() string { return "apns" }

// Send implements Provider. APNs has no batch API so tokens are pushed one by one.
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}

	p := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body)
	if notification.Sound != "" {
		p.Sound(notification.Sound)
	}
	if notification.Category != "" {
		p.Category(notification.Category)
	}
	for key, value := range notification.Data {
		p.Custom(key, value)
	}

	priority := apns2.PriorityLow
	if notification.Priority == "high" {
		priority = apns2.PriorityHigh
	}

	for _, deviceToken := range tokens {
		resp, err := a.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       a.bundleID,
			Payload:     p,
			Priority:    priority,
		})
		if err != nil {
			result.FailureCount++
			logger.Warn("Failed to send APNs notification", zap.Error(err))
			continue
		}

		if resp.Sent() {
			result.SuccessCount++
			continue
		}

		result.FailureCount++
		if resp.StatusCode == http.StatusGone ||
			resp.Reason == apns2.ReasonUnregistered ||
			resp.Reason == apns2.ReasonBadDeviceToken ||
			resp.Reason == apns2.ReasonDeviceTokenNotForTopic {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Warn("APNs notification rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason))
	}

	return result, nil
}
