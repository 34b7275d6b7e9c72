package filestore

import "errors"

var (
	ErrFileTooLarge    = errors.New("file exceeds the upload size limit")
	ErrEmptyFile       = errors.New("file is empty")
	ErrUnsupportedType = errors.New("file type is not allowed")
	ErrInvalidName     = errors.New("invalid file name")
	ErrFileNotFound    = errors.New("file not found")
)
