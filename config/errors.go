package config

import "github.com/ace-sm/monitor/smerrors"

var (
	errConfidentialOutOfBounds    = smerrors.Wrap(smerrors.ErrInvalidAddress, "confidential region outside total memory")
	errNonConfidentialOutOfBounds = smerrors.Wrap(smerrors.ErrInvalidAddress, "non-confidential region outside total memory")
	errRegionsOverlap             = smerrors.Wrap(smerrors.ErrInvalidAddress, "confidential and non-confidential regions overlap")
	errConfidentialUnaligned      = smerrors.Wrap(smerrors.ErrInvalidAddress, "confidential region is not 4KiB-aligned")
)
