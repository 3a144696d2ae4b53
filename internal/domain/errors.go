package domain

import "errors"

var (
	ErrDirectoryNotFound  = errors.New("directory not found")
	ErrDirectoryExists    = errors.New("directory already exists")
	ErrEmptyName          = errors.New("name must not be empty")
	ErrNoDataset          = errors.New("no dataset bound to context")
	ErrReadOnly           = errors.New("dataset is open read-only")
	ErrParameterNotFound  = errors.New("parameter not found")
	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrInvalidRow         = errors.New("invalid row")
	ErrInvalidVariable    = errors.New("invalid variable")
	ErrUnknownEntity      = errors.New("unknown directory entry")
	ErrContextNotFound    = errors.New("context not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrDatasetNameInvalid = errors.New("invalid dataset name")
	ErrDirNameInvalid     = errors.New("invalid directory name")
)
