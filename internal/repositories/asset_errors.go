package repositories

import "errors"

var (
	// ErrAssetNotReady reports a download request against an artifact or
	// source object whose upload has not been confirmed yet.
	ErrAssetNotReady = errors.New("asset repository: asset not ready")
	// ErrAssetSoftDeleted reports access to an asset that was soft deleted
	// and is awaiting cleanup.
	ErrAssetSoftDeleted = errors.New("asset repository: asset soft deleted")
)
