package rpc

import (
	"context"
	"errors"

	"github.com/bnema/datavault/internal/domain"
	"go.lsp.dev/jsonrpc2"
)

// Application error codes. They stay stable across releases so clients can
// branch on them.
const (
	CodeDirectoryNotFound  jsonrpc2.Code = 1001
	CodeDirectoryExists    jsonrpc2.Code = 1002
	CodeEmptyName          jsonrpc2.Code = 1003
	CodeNoDataset          jsonrpc2.Code = 1004
	CodeReadOnly           jsonrpc2.Code = 1005
	CodeParameterNotFound  jsonrpc2.Code = 1006
	CodeDatasetNotFound    jsonrpc2.Code = 1007
	CodeInvalidRow         jsonrpc2.Code = 1008
	CodeInvalidVariable    jsonrpc2.Code = 1009
	CodeUnknownEntity      jsonrpc2.Code = 1010
	CodeContextNotFound    jsonrpc2.Code = 1011
	CodeSessionNotFound    jsonrpc2.Code = 1012
	CodeDatasetNameInvalid jsonrpc2.Code = 1013
	CodeCanceled           jsonrpc2.Code = 1014
	CodeDirNameInvalid     jsonrpc2.Code = 1015
)

var errorCodes = []struct {
	err  error
	code jsonrpc2.Code
}{
	{domain.ErrDirectoryNotFound, CodeDirectoryNotFound},
	{domain.ErrDirectoryExists, CodeDirectoryExists},
	{domain.ErrEmptyName, CodeEmptyName},
	{domain.ErrNoDataset, CodeNoDataset},
	{domain.ErrReadOnly, CodeReadOnly},
	{domain.ErrParameterNotFound, CodeParameterNotFound},
	{domain.ErrDatasetNotFound, CodeDatasetNotFound},
	{domain.ErrInvalidRow, CodeInvalidRow},
	{domain.ErrInvalidVariable, CodeInvalidVariable},
	{domain.ErrUnknownEntity, CodeUnknownEntity},
	{domain.ErrContextNotFound, CodeContextNotFound},
	{domain.ErrSessionNotFound, CodeSessionNotFound},
	{domain.ErrDatasetNameInvalid, CodeDatasetNameInvalid},
	{domain.ErrDirNameInvalid, CodeDirNameInvalid},
	{context.Canceled, CodeCanceled},
	{context.DeadlineExceeded, CodeCanceled},
}

// errInvalidParams marks request decoding failures.
var errInvalidParams = errors.New("invalid params")

// toWireError turns err into a JSON-RPC error carrying the code of the
// first sentinel it wraps. Unknown errors become internal errors.
func toWireError(err error) error {
	if err == nil {
		return nil
	}

	var wire *jsonrpc2.Error
	if errors.As(err, &wire) {
		return wire
	}
	if errors.Is(err, errInvalidParams) {
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return jsonrpc2.NewError(entry.code, err.Error())
		}
	}
	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}

// CodeOf reports the code of an error returned by a call, zero when it
// carries none.
func CodeOf(err error) jsonrpc2.Code {
	var wire *jsonrpc2.Error
	if errors.As(err, &wire) {
		return wire.Code
	}
	return 0
}
