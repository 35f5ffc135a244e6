package export

import (
	"context"
	"io"
)

// ExportServiceInterface defines the contract for export services.
type ExportServiceInterface interface {
	Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error)
	ExportFile(ctx context.Context, path string, opts ExportOptions) (*ExportResult, error)
	Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error)
	ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error)
}

// Ensure *ExportService implements the interface at compile time.
var _ ExportServiceInterface = (*ExportService)(nil)
