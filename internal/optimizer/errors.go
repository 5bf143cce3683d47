package optimizer

import "errors"

var (
	// ErrDirectoryNotFound is returned when the target directory is missing.
	ErrDirectoryNotFound = errors.New("directory not found")
	// ErrTargetExists is recorded when converting would overwrite a different asset.
	ErrTargetExists = errors.New("target file already exists")
	// ErrUnsupportedFormat is returned for files the optimizer does not handle.
	ErrUnsupportedFormat = errors.New("unsupported format")
)
