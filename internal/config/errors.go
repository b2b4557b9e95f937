package config

import "errors"

var (
	// ErrConfiguration marks fatal setup problems: oversized datasets,
	// unknown class directories, checkpoint/architecture mismatches and
	// missing arguments.
	ErrConfiguration = errors.New("configuration error")

	// ErrIO marks unreadable or undecodable input files.
	ErrIO = errors.New("io error")
)
