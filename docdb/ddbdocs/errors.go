package ddbdocs

import (
	"context"
	"errors"
	"net"

	"github.com/add-eus/library/docdb"
	"github.com/aws/smithy-go"
)

// mapError classifies an AWS failure into a docdb error code so the ORM can tell
// permission problems from transient ones.
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified *docdb.Error
	if errors.As(err, &classified) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := codeOf(apiErr.ErrorCode())
		if code == docdb.CodeUnknown && apiErr.ErrorFault() == smithy.FaultServer {
			code = docdb.CodeUnavailable
		}
		if code != docdb.CodeUnknown {
			return &docdb.Error{Code: code, Path: path, Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &docdb.Error{Code: docdb.CodeUnavailable, Path: path, Err: err}
	}
	return err
}

func codeOf(awsCode string) docdb.Code {
	switch awsCode {
	case "AccessDeniedException", "AccessDenied", "UnauthorizedOperation":
		return docdb.CodePermissionDenied
	case "UnrecognizedClientException", "InvalidSignatureException", "MissingAuthenticationToken",
		"MissingAuthenticationTokenException", "ExpiredToken", "ExpiredTokenException", "IncompleteSignature":
		return docdb.CodeUnauthenticated
	case "ProvisionedThroughputExceededException", "ThrottlingException", "Throttling",
		"RequestLimitExceeded", "LimitExceededException", "InternalServerError", "ServiceUnavailable":
		return docdb.CodeUnavailable
	case "ResourceNotFoundException":
		return docdb.CodeNotFound
	case "ValidationException", "ItemCollectionSizeLimitExceededException":
		return docdb.CodeInvalidArgument
	}
	return docdb.CodeUnknown
}
