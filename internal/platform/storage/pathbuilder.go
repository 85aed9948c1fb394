package storage

import (
	"fmt"
	"strings"
	"sync"
)

// AssetPurpose captures high-level intent for storage layout decisions.
type AssetPurpose string

const (
	PurposeDatasetSource AssetPurpose = "dataset-source"
	PurposeFormTemplate  AssetPurpose = "form-template"
	PurposeRunArtifact   AssetPurpose = "run-artifact"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	DatasetID  string
	UploadID   string
	FieldSetID string
	RunID      string
	RunNumber  string
	FileName   string
}

// PathBuilder composes the object path for a given asset purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[AssetPurpose]PathBuilder{
		PurposeDatasetSource: buildDatasetSourcePath,
		PurposeFormTemplate:  buildFormTemplatePath,
		PurposeRunArtifact:   buildRunArtifactPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose AssetPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
	return builder(params)
}

func buildDatasetSourcePath(params PathParams) (string, error) {
	datasetID, err := validateSegment("datasetID", params.DatasetID)
	if err != nil {
		return "", err
	}
	uploadID, err := validateSegment("uploadID", params.UploadID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/datasets/%s/sources/%s/%s", datasetID, uploadID, fileName), nil
}

func buildFormTemplatePath(params PathParams) (string, error) {
	fieldSetID, err := validateSegment("fieldSetID", params.FieldSetID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/field-sets/%s/templates/%s", fieldSetID, fileName), nil
}

func buildRunArtifactPath(params PathParams) (string, error) {
	prefix, err := RunArtifactPrefix(params.RunID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.RunNumber != "" {
		name = fmt.Sprintf("%s-report.csv", strings.TrimSpace(params.RunNumber))
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", prefix, fileName), nil
}

// RunArtifactPrefix returns the directory all of a run's artifacts live under.
func RunArtifactPrefix(runID string) (string, error) {
	id, err := validateSegment("runID", runID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("assets/runs/%s/artifacts", id), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
