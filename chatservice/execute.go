package chatservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/chat-server-go/internal/logctx"
	"github.com/ggoodman/chat-server-go/operation"
)

// Execute runs a request-class operation and returns its response. Errors are
// reported inside the response. Subscriptions are rejected with
// operation.CodeBadRequest; they are opened with OpenMessageAdded.
func (s *Service) Execute(ctx context.Context, req operation.Request) operation.Response {
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{
		Kind: string(req.Kind),
		Name: req.Operation,
	})

	result, err := s.execute(ctx, req)
	if err != nil {
		s.log.InfoContext(ctx, "op.fail",
			slog.String("code", string(operation.CodeOf(err))),
			slog.String("err", err.Error()),
		)
		return operation.NewErrorResponse(err)
	}

	resp, err := operation.NewDataResponse(result)
	if err != nil {
		s.log.ErrorContext(ctx, "op.encode.fail", slog.String("err", err.Error()))
		return operation.NewErrorResponse(err)
	}
	return resp
}

func (s *Service) execute(ctx context.Context, req operation.Request) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	class, err := operation.Classify(req.Kind)
	if err != nil {
		return nil, err
	}
	if class != operation.ClassRequest {
		return nil, fmt.Errorf("%w: %s operations require a streaming transport", operation.ErrBadRequest, req.Kind)
	}

	switch req.Operation {
	case operation.Messages:
		return s.Messages(ctx)
	case operation.AddMessage:
		var vars operation.AddMessageVariables
		if err := req.DecodeVariables(&vars); err != nil {
			return nil, err
		}
		return s.AddMessage(ctx, vars.Input)
	default:
		return nil, fmt.Errorf("%w: unhandled operation %q", operation.ErrBadRequest, req.Operation)
	}
}
