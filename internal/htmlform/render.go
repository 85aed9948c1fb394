package htmlform

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/formbridge/api/internal/domain"
)

const artifactContentType = "text/html; charset=utf-8"

// ArtifactWriter persists one rendered row document under a run-scoped name.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, name string, contentType string, data []byte) error
}

// RenderingTarget drives fills against per-row clones of a template document.
// Writes land on the active clone; FlushRow persists it as the row's artifact
// and resets the target for the next row.
type RenderingTarget struct {
	template *Document
	active   *Document
	writer   ArtifactWriter
}

// NewRenderingTarget clones the template for the first row.
func NewRenderingTarget(template *Document, writer ArtifactWriter) (*RenderingTarget, error) {
	if template == nil {
		return nil, errors.New("htmlform: template document is required")
	}
	if writer == nil {
		return nil, errors.New("htmlform: artifact writer is required")
	}
	active, err := template.Clone()
	if err != nil {
		return nil, err
	}
	return &RenderingTarget{template: template, active: active, writer: writer}, nil
}

func (t *RenderingTarget) Resolve(ctx context.Context, selector string) (domain.TargetState, bool, error) {
	return t.active.Resolve(ctx, selector)
}

func (t *RenderingTarget) SetValue(ctx context.Context, selector string, value string) error {
	return t.active.SetValue(ctx, selector, value)
}

func (t *RenderingTarget) SetChecked(ctx context.Context, selector string, checked bool) error {
	return t.active.SetChecked(ctx, selector, checked)
}

func (t *RenderingTarget) SelectRadio(ctx context.Context, name string, value string) (bool, error) {
	return t.active.SelectRadio(ctx, name, value)
}

// FlushRow renders the active clone as the artifact for the given zero-based
// row index, then swaps in a fresh clone of the template.
func (t *RenderingTarget) FlushRow(ctx context.Context, row int) error {
	data, err := t.active.Render()
	if err != nil {
		return err
	}
	if err := t.writer.WriteArtifact(ctx, ArtifactName(row), artifactContentType, data); err != nil {
		return fmt.Errorf("htmlform: write row %d artifact: %w", row, err)
	}

	fresh, err := t.template.Clone()
	if err != nil {
		return err
	}
	t.active = fresh
	return nil
}

// ArtifactName returns the canonical artifact file name for a zero-based row
// index.
func ArtifactName(row int) string {
	return fmt.Sprintf("row-%05d.html", row+1)
}
