package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"newsletter-delivery/internal/models"
)

// SESConfig carries the settings needed to deliver through AWS SES.
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	FromName  string
	FromEmail string
	ReplyTo   string
}

// SES sends emails via AWS SES using the SDK v2.
type SES struct {
	client *sesv2.Client
	cfg    SESConfig
	log    *zap.Logger
}

// NewSES creates an SES sender. Static credentials are used when provided,
// otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg SESConfig, log *zap.Logger) (*SES, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SES{
		client: sesv2.NewFromConfig(awsCfg),
		cfg:    cfg,
		log:    log,
	}, nil
}

// Send delivers one email through SES.
func (s *SES) Send(ctx context.Context, recipient string, payload models.Payload) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(payload.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(payload.HTMLBody), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(payload.Headers),
			},
		},
	}
	if payload.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(payload.TextBody), Charset: aws.String("UTF-8")}
	}
	if s.cfg.ReplyTo != "" {
		input.ReplyToAddresses = []string{s.cfg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.log.Debug("delivered via ses",
		zap.String("recipient", recipient),
		zap.String("message_id", messageID))
	return nil
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for name, value := range h {
		out = append(out, types.MessageHeader{Name: aws.String(name), Value: aws.String(value)})
	}
	return out
}
