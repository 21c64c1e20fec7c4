package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client this adapter uses.
type sesAPI interface {
	SendEmail(ctx context.Context, input *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport delivers through the AWS SES v2 API.
type SESTransport struct {
	client sesAPI
	log    *logger.Logger
}

// NewSESTransport builds the adapter with static credentials.
func NewSESTransport(accessKey, secretKey, region string) (*SESTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses config: %w", err)
	}
	return &SESTransport{
		client: sesv2.NewFromConfig(cfg),
		log:    logger.Component("ses"),
	}, nil
}

// NewSESTransportWithClient injects a client, used by tests.
func NewSESTransportWithClient(client sesAPI) *SESTransport {
	return &SESTransport{client: client, log: logger.Component("ses")}
}

// Send delivers one message. Provider-side rejections (message rejected,
// account sending paused, throttling) come back as rejected Results with
// an SMTP-shaped code so the classifier can treat SES and relay feedback
// uniformly.
func (t *SESTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(plainTextFromHTML(msg.HTMLBody)), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		if code, response, ok := sesRejection(err); ok {
			t.log.Warn("ses rejected message",
				"recipient", logger.RedactEmail(msg.To), "code", code, "response", response)
			return &Result{Accepted: false, Code: code, Response: response}, nil
		}
		return nil, fmt.Errorf("ses send to %s: %w", logger.RedactEmail(msg.To), err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	t.log.Debug("ses accepted message",
		"recipient", logger.RedactEmail(msg.To), "message_id", messageID)
	return &Result{Accepted: true, MessageID: messageID}, nil
}

// sesRejection maps SES API errors onto SMTP-shaped rejection codes.
// Unknown API errors stay transport errors.
func sesRejection(err error) (int, string, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return 0, "", false
	}
	switch apiErr.ErrorCode() {
	case "MessageRejected":
		return 554, apiErr.ErrorMessage(), true
	case "SendingPausedException", "AccountSuspendedException":
		return 421, apiErr.ErrorMessage(), true
	case "TooManyRequestsException", "LimitExceededException":
		return 450, apiErr.ErrorMessage(), true
	case "MailFromDomainNotVerifiedException", "BadRequestException":
		return http.StatusBadRequest, apiErr.ErrorMessage(), true
	}
	return 0, "", false
}
