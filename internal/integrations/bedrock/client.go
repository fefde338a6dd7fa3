package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"

	"kb-slackbot/internal/domain"
)

// bedrockAPI is the minimal Bedrock Agent Runtime interface required by Client.
// *bedrockagentruntime.Client satisfies it.
type bedrockAPI interface {
	RetrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
}

var transientCodes = map[string]bool{
	"ThrottlingException":           true,
	"ServiceQuotaExceededException": true,
	"InternalServerException":       true,
	"DependencyFailedException":     true,
	"BadGatewayException":           true,
	"ModelNotReadyException":        true,
	"ServiceUnavailableException":   true,
	"ModelTimeoutException":         true,
}

// Error wraps a failed RetrieveAndGenerate call with its AWS error code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bedrock: retrieve and generate: %v", e.Err)
	}
	return fmt.Sprintf("bedrock: retrieve and generate (%s): %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is throttling or a server-side fault.
func (e *Error) Transient() bool {
	return transientCodes[e.Code]
}

func wrapError(err error) *Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &Error{Code: apiErr.ErrorCode(), Err: err}
	}
	return &Error{Err: err}
}

type Config struct {
	KnowledgeBaseID string
	ModelARN        string
	// PromptTemplate overrides the knowledge base's default generation prompt when set.
	PromptTemplate string
	// NumberOfResults bounds retrieved passages; zero keeps the service default.
	NumberOfResults int32
}

// Client answers questions from a Bedrock knowledge base. Bedrock keeps the
// conversation server-side and returns a session ID that continues it.
type Client struct {
	api    bedrockAPI
	cfg    Config
	logger *slog.Logger
}

func New(api bedrockAPI, cfg Config, logger *slog.Logger) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	cfg.KnowledgeBaseID = strings.TrimSpace(cfg.KnowledgeBaseID)
	cfg.ModelARN = strings.TrimSpace(cfg.ModelARN)
	if cfg.KnowledgeBaseID == "" {
		return nil, errors.New("bedrock: knowledge base id must not be empty")
	}
	if cfg.ModelARN == "" {
		return nil, errors.New("bedrock: model arn must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, cfg: cfg, logger: logger}, nil
}

// Ask runs RetrieveAndGenerate with query decomposition. If that fails for
// any reason other than throttling it retries once without decomposition.
func (c *Client) Ask(ctx context.Context, query, sessionToken string) (domain.Answer, error) {
	if strings.TrimSpace(query) == "" {
		return domain.Answer{}, errors.New("bedrock: query must not be empty")
	}

	answer, err := c.retrieveAndGenerate(ctx, c.input(query, sessionToken, true))
	if err == nil {
		return answer, nil
	}
	bErr := wrapError(err)
	if bErr.Code == "ThrottlingException" || ctx.Err() != nil {
		return domain.Answer{}, bErr
	}
	c.logger.WarnContext(ctx, "query decomposition failed, retrying without it", "code", bErr.Code, "err", err)

	answer, err = c.retrieveAndGenerate(ctx, c.input(query, sessionToken, false))
	if err != nil {
		return domain.Answer{}, wrapError(err)
	}
	return answer, nil
}

func (c *Client) retrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateInput) (domain.Answer, error) {
	out, err := c.api.RetrieveAndGenerate(ctx, in)
	if err != nil {
		return domain.Answer{}, err
	}
	if out == nil || out.Output == nil || out.Output.Text == nil {
		return domain.Answer{}, errors.New("response has no output text")
	}
	return domain.Answer{
		Text:         strings.TrimSpace(aws.ToString(out.Output.Text)),
		SessionToken: aws.ToString(out.SessionId),
	}, nil
}

func (c *Client) input(query, sessionToken string, decompose bool) *bedrockagentruntime.RetrieveAndGenerateInput {
	kb := &types.KnowledgeBaseRetrieveAndGenerateConfiguration{
		KnowledgeBaseId: aws.String(c.cfg.KnowledgeBaseID),
		ModelArn:        aws.String(c.cfg.ModelARN),
	}
	if c.cfg.PromptTemplate != "" {
		kb.GenerationConfiguration = &types.GenerationConfiguration{
			PromptTemplate: &types.PromptTemplate{TextPromptTemplate: aws.String(c.cfg.PromptTemplate)},
		}
	}
	if c.cfg.NumberOfResults > 0 {
		kb.RetrievalConfiguration = &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(c.cfg.NumberOfResults),
			},
		}
	}
	if decompose {
		kb.OrchestrationConfiguration = &types.OrchestrationConfiguration{
			QueryTransformationConfiguration: &types.QueryTransformationConfiguration{
				Type: types.QueryTransformationTypeQueryDecomposition,
			},
		}
	}

	in := &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &types.RetrieveAndGenerateInput{Text: aws.String(query)},
		RetrieveAndGenerateConfiguration: &types.RetrieveAndGenerateConfiguration{
			Type:                       types.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: kb,
		},
	}
	if sessionToken != "" {
		in.SessionId = aws.String(sessionToken)
	}
	return in
}
